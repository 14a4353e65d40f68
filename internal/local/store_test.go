package local_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/broadcast"
	"github.com/hyperengineering/pulse/internal/local"
)

func newTestStore(t *testing.T, opts ...local.Option) *local.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.db")
	s, err := local.Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_InsertQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, pulse.TableEntries,
		pulse.Row{"id": "e1", "sessionId": "s1", "taskNumber": 1, "timestamp": "2024-03-01T10:00:00Z"},
		pulse.Row{"id": "e2", "sessionId": "s1", "taskNumber": 1, "timestamp": "2024-03-01T10:00:05Z"},
		pulse.Row{"id": "e3", "sessionId": "s2", "taskNumber": 1, "timestamp": "2024-03-01T10:00:03Z"},
	)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rows, err := s.Query(ctx, pulse.TableEntries, pulse.Query{
		Filters: []pulse.Filter{pulse.Eq("sessionId", "s1")},
		Order:   &pulse.Order{Column: "timestamp", Descending: true},
		Limit:   1,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ID() != "e2" {
		t.Errorf("Query() = %v, want [e2]", rows)
	}
}

func TestStore_EmptyTable(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.Query(context.Background(), pulse.TableSessions, pulse.Query{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Query() on empty table returned %d rows", len(rows))
	}
}

func TestStore_UpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, q := range []string{"first", "second"} {
		if _, err := s.Upsert(ctx, pulse.TableSessions, pulse.Row{"id": "s1_task_1", "question": q}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	rows, _ := s.Query(ctx, pulse.TableSessions, pulse.Query{})
	if len(rows) != 1 || rows[0]["question"] != "second" {
		t.Errorf("rows = %v, want single row with second question", rows)
	}

	if _, err := s.Upsert(ctx, pulse.TableSessions, pulse.Row{"question": "no id"}); !pulse.IsTransportError(err) {
		t.Errorf("Upsert(no id) error = %v, want TransportError", err)
	}
}

func TestStore_UpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _ = s.Insert(ctx, pulse.TableSessions,
		pulse.Row{"id": "a_task_1", "session_id": "a", "is_active": true},
		pulse.Row{"id": "b_task_1", "session_id": "b", "is_active": true},
	)

	updated, err := s.Update(ctx, pulse.TableSessions, pulse.Row{"is_active": false}, pulse.Eq("session_id", "a"))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(updated) != 1 || updated[0]["is_active"] != false {
		t.Errorf("Update() = %v", updated)
	}

	if err := s.Delete(ctx, pulse.TableSessions, pulse.Eq("session_id", "b")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	rows, _ := s.Query(ctx, pulse.TableSessions, pulse.Query{})
	if len(rows) != 1 || rows[0].ID() != "a_task_1" {
		t.Errorf("rows after delete = %v", rows)
	}
}

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, ok, err := s.Get(ctx, "student_name_s1"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}
	if err := s.Set(ctx, "student_name_s1", "Ada"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "student_name_s1")
	if err != nil || !ok || v != "Ada" {
		t.Errorf("Get() = %q, %v, %v", v, ok, err)
	}

	marks := map[string]bool{"1_e1": true}
	if err := s.SetJSON(ctx, "self_marking_s1", marks); err != nil {
		t.Fatal(err)
	}
	var got map[string]bool
	if ok, err := s.GetJSON(ctx, "self_marking_s1", &got); err != nil || !ok || !got["1_e1"] {
		t.Errorf("GetJSON() = %v, %v, %v", got, ok, err)
	}
}

func TestStore_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pulse.db")

	s, err := local.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = s.Insert(ctx, pulse.TableEntries, pulse.Row{"id": "e1"})
	_ = s.Close()

	s, err = local.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	rows, _ := s.Query(ctx, pulse.TableEntries, pulse.Query{})
	if len(rows) != 1 {
		t.Errorf("reopened store has %d rows, want 1", len(rows))
	}
}

func TestStore_Closed(t *testing.T) {
	s := newTestStore(t)
	_ = s.Close()

	_, err := s.Query(context.Background(), pulse.TableEntries, pulse.Query{})
	if !errors.Is(err, local.ErrStoreClosed) {
		t.Errorf("Query() after Close error = %v, want ErrStoreClosed", err)
	}
	var te *pulse.TransportError
	if !errors.As(err, &te) || te.Adapter != "local" {
		t.Errorf("Query() after Close error = %T, want *TransportError from local", err)
	}
}

type changeLog struct {
	mu      sync.Mutex
	changes []pulse.Change
	ch      chan struct{}
}

func newChangeLog() *changeLog { return &changeLog{ch: make(chan struct{}, 64)} }

func (c *changeLog) add(ch pulse.Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *changeLog) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func (c *changeLog) wait(t *testing.T) pulse.Change {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no change delivered")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes[len(c.changes)-1]
}

func TestStore_SubscribeOwnWriteReportedOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, local.WithPollInterval(10*time.Millisecond))

	log := newChangeLog()
	f := pulse.Eq("sessionId", "s1")
	unsub, err := s.Subscribe(ctx, pulse.TableEntries, &f, log.add)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	_, _ = s.Insert(ctx, pulse.TableEntries, pulse.Row{"id": "x", "sessionId": "other"})
	_, _ = s.Insert(ctx, pulse.TableEntries, pulse.Row{"id": "e1", "sessionId": "s1"})

	got := log.wait(t)
	if got.Action != pulse.ActionInsert || got.Rows[0].ID() != "e1" {
		t.Errorf("change = %+v, want INSERT e1", got)
	}

	// Several poll cycles must not re-announce the same content.
	time.Sleep(100 * time.Millisecond)
	if n := log.len(); n != 1 {
		t.Errorf("changes = %d, want 1", n)
	}
}

func TestStore_SubscribeSeesOtherProcessWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pulse.db")

	bus := broadcast.NewLocal()
	reader, err := local.Open(path, local.WithBus(bus), local.WithPollInterval(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	writer, err := local.Open(path, local.WithBus(bus))
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	log := newChangeLog()
	unsub, err := reader.Subscribe(ctx, pulse.TableSessions, nil, log.add)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if _, err := writer.Upsert(ctx, pulse.TableSessions, pulse.Row{"id": "s1_task_1", "is_active": true}); err != nil {
		t.Fatal(err)
	}

	// The poll interval is an hour, so only the broadcast can trigger this.
	got := log.wait(t)
	if got.Action != pulse.ActionSync || len(got.Rows) != 1 {
		t.Errorf("change = %+v, want SYNC with one row", got)
	}
}

func TestStore_SubscribeDiffWithoutBus(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pulse.db")

	reader, err := local.Open(path, local.WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	writer, err := local.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	log := newChangeLog()
	unsub, err := reader.Subscribe(ctx, pulse.TableEntries, nil, log.add)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	_, _ = writer.Insert(ctx, pulse.TableEntries, pulse.Row{"id": "e1"})
	got := log.wait(t)
	if len(got.Rows) != 1 || got.Rows[0].ID() != "e1" {
		t.Errorf("change = %+v", got)
	}
}

func TestStore_PublishesOnBus(t *testing.T) {
	ctx := context.Background()
	bus := broadcast.NewLocal()
	s := newTestStore(t, local.WithBus(bus))

	var got []broadcast.Message
	cancel, _ := bus.Subscribe(func(m broadcast.Message) { got = append(got, m) })
	defer cancel()

	_, _ = s.Insert(ctx, pulse.TableEntries, pulse.Row{"id": "e1"})

	if len(got) != 1 {
		t.Fatalf("bus messages = %d, want 1", len(got))
	}
	m := got[0]
	if m.Type != broadcast.TypeTableChange || m.Table != pulse.TableEntries || m.Action != "INSERT" || m.Origin != s.Origin() {
		t.Errorf("message = %+v", m)
	}
}
