package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/memory"
)

func TestTransport_InsertQueryOrder(t *testing.T) {
	ctx := context.Background()
	tr := memory.New("remote")

	_, err := tr.Insert(ctx, pulse.TableEntries,
		pulse.Row{"id": "a", "sessionId": "s1", "taskNumber": 1, "timestamp": "2024-01-01T10:00:00Z"},
		pulse.Row{"id": "b", "sessionId": "s1", "taskNumber": 2, "timestamp": "2024-01-01T10:00:02Z"},
		pulse.Row{"id": "c", "sessionId": "s2", "taskNumber": 1, "timestamp": "2024-01-01T10:00:01Z"},
	)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rows, err := tr.Query(ctx, pulse.TableEntries, pulse.Query{
		Filters: []pulse.Filter{pulse.Eq("sessionId", "s1")},
		Order:   &pulse.Order{Column: "timestamp", Descending: true},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 2 || rows[0].ID() != "b" || rows[1].ID() != "a" {
		t.Errorf("Query() = %v, want [b a]", rows)
	}

	rows, _ = tr.Query(ctx, pulse.TableEntries, pulse.Query{Filters: []pulse.Filter{pulse.Eq("taskNumber", "1")}})
	if len(rows) != 2 {
		t.Errorf("Query(taskNumber=1) returned %d rows, want 2", len(rows))
	}
}

func TestTransport_InsertConflict(t *testing.T) {
	ctx := context.Background()
	tr := memory.New("")
	if _, err := tr.Insert(ctx, "t", pulse.Row{"id": "x"}); err != nil {
		t.Fatal(err)
	}
	_, err := tr.Insert(ctx, "t", pulse.Row{"id": "x"})
	var te *pulse.TransportError
	if !errors.As(err, &te) || te.StatusCode != 409 {
		t.Fatalf("Insert(duplicate) error = %v, want 409 TransportError", err)
	}
	if !errors.Is(err, memory.ErrConflict) {
		t.Errorf("Insert(duplicate) error should wrap ErrConflict")
	}
}

func TestTransport_UpsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	tr := memory.New("")

	if _, err := tr.Upsert(ctx, "sessions", pulse.Row{"id": "s_task_1", "is_active": true}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Upsert(ctx, "sessions", pulse.Row{"id": "s_task_1", "is_active": true, "question": "q"}); err != nil {
		t.Fatal(err)
	}
	if got := len(tr.Rows("sessions")); got != 1 {
		t.Fatalf("rows after double upsert = %d, want 1", got)
	}

	updated, err := tr.Update(ctx, "sessions", pulse.Row{"is_active": false}, pulse.Eq("id", "s_task_1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(updated) != 1 || updated[0]["is_active"] != false || updated[0]["question"] != "q" {
		t.Errorf("Update() = %v", updated)
	}

	if err := tr.Delete(ctx, "sessions", pulse.Eq("id", "s_task_1")); err != nil {
		t.Fatal(err)
	}
	if got := len(tr.Rows("sessions")); got != 0 {
		t.Errorf("rows after delete = %d, want 0", got)
	}
}

func TestTransport_SubscribeFilter(t *testing.T) {
	ctx := context.Background()
	tr := memory.New("")

	var got []pulse.Change
	f := pulse.Eq("sessionId", "s1")
	unsub, err := tr.Subscribe(ctx, pulse.TableEntries, &f, func(c pulse.Change) { got = append(got, c) })
	if err != nil {
		t.Fatal(err)
	}

	_, _ = tr.Insert(ctx, pulse.TableEntries, pulse.Row{"id": "1", "sessionId": "s2"})
	_, _ = tr.Insert(ctx, pulse.TableEntries, pulse.Row{"id": "2", "sessionId": "s1"})
	unsub()
	_, _ = tr.Insert(ctx, pulse.TableEntries, pulse.Row{"id": "3", "sessionId": "s1"})

	if len(got) != 1 || got[0].Rows[0].ID() != "2" || got[0].Action != pulse.ActionInsert {
		t.Errorf("changes = %+v, want one INSERT of row 2", got)
	}
}

func TestTransport_SetFailure(t *testing.T) {
	ctx := context.Background()
	tr := memory.New("remote")
	tr.SetFailure(errors.New("down"))

	_, err := tr.Query(ctx, "t", pulse.Query{})
	if !pulse.IsTransportError(err) {
		t.Fatalf("Query() error = %v, want TransportError", err)
	}
	tr.SetFailure(nil)
	if _, err := tr.Query(ctx, "t", pulse.Query{}); err != nil {
		t.Errorf("Query() after recovery error = %v", err)
	}
	if tr.Calls("query") != 2 {
		t.Errorf("Calls(query) = %d, want 2", tr.Calls("query"))
	}
}
