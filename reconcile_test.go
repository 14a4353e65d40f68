package pulse_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func entry(id, name, content string, task int, at time.Duration) pulse.Entry {
	return pulse.Entry{
		ID:              id,
		SessionID:       "class-1",
		TaskNumber:      task,
		ParticipantName: name,
		Content:         content,
		Timestamp:       t0.Add(at),
		Kind:            pulse.KindSubmission,
	}
}

func ids(entries []pulse.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestMergeEntries_Idempotent(t *testing.T) {
	a := []pulse.Entry{entry("a1", "ana", "sun", 1, 1*time.Second), entry("a2", "ben", "moon", 1, 2*time.Second)}
	b := []pulse.Entry{entry("a2", "ben", "moon", 1, 2*time.Second), entry("b1", "cy", "star", 1, 3*time.Second)}

	once := pulse.MergeEntries(a, b)
	twice := pulse.MergeEntries(once, b)
	if !reflect.DeepEqual(ids(once), ids(twice)) {
		t.Errorf("merge not idempotent: %v then %v", ids(once), ids(twice))
	}
	self := pulse.MergeEntries(once, once)
	if !reflect.DeepEqual(ids(once), ids(self)) {
		t.Errorf("merge with itself = %v, want %v", ids(self), ids(once))
	}
}

func TestMergeEntries_CollapsesDuplicates(t *testing.T) {
	tests := []struct {
		name string
		a, b pulse.Entry
		want []string
	}{
		{
			name: "same id",
			a:    entry("x", "ana", "sun", 1, time.Second),
			b:    entry("x", "ana", "SUN edited", 1, 5*time.Second),
			want: []string{"x"},
		},
		{
			name: "same content fingerprint different id",
			a:    entry("remote-id", "ana", "sun", 1, time.Second),
			b:    entry("local-id", "ana", "sun", 1, time.Second),
			want: []string{"remote-id"},
		},
		{
			name: "same content different time",
			a:    entry("one", "ana", "sun", 1, time.Second),
			b:    entry("two", "ana", "sun", 1, 2*time.Second),
			want: []string{"two", "one"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(pulse.MergeEntries([]pulse.Entry{tt.a}, []pulse.Entry{tt.b}))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MergeEntries() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeEntries_CollapseIsTransitive(t *testing.T) {
	remote := []pulse.Entry{entry("remote-id", "ana", "sun", 1, time.Second)}
	local := []pulse.Entry{entry("local-id", "ana", "sun", 1, time.Second)}
	// Shares only the id of the collapsed local copy.
	late := []pulse.Entry{entry("local-id", "ben", "moon", 1, 3*time.Second)}

	got := ids(pulse.MergeEntries(remote, local, late))
	if !reflect.DeepEqual(got, []string{"remote-id"}) {
		t.Errorf("MergeEntries() = %v, want [remote-id]", got)
	}
}

func TestMergeEntries_NewestFirstStable(t *testing.T) {
	remote := []pulse.Entry{
		entry("r-old", "ana", "a", 1, time.Second),
		entry("r-tie", "ben", "b", 1, 5*time.Second),
	}
	local := []pulse.Entry{
		entry("l-tie", "cy", "c", 1, 5*time.Second),
		entry("l-new", "dee", "d", 1, 9*time.Second),
	}
	got := ids(pulse.MergeEntries(remote, local))
	want := []string{"l-new", "r-tie", "l-tie", "r-old"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeEntries() = %v, want %v", got, want)
	}
}

func TestMergeSessions_LastWriterWins(t *testing.T) {
	remote := []pulse.Session{
		{ID: "s_task_2", TaskNumber: 2, Question: "remote stale", LastUpdated: 100},
		{ID: "s_task_1", TaskNumber: 1, Question: "tie remote", LastUpdated: 50},
	}
	local := []pulse.Session{
		{ID: "s_task_2", TaskNumber: 2, Question: "local fresh", LastUpdated: 200},
		{ID: "s_task_1", TaskNumber: 1, Question: "tie local", LastUpdated: 50},
	}
	got := pulse.MergeSessions(remote, local)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].TaskNumber != 1 || got[1].TaskNumber != 2 {
		t.Errorf("order = %d,%d, want 1,2", got[0].TaskNumber, got[1].TaskNumber)
	}
	if got[0].Question != "tie remote" {
		t.Errorf("tie kept %q, want first seen", got[0].Question)
	}
	if got[1].Question != "local fresh" {
		t.Errorf("kept %q, want greater last_updated", got[1].Question)
	}
}

func TestFilterTaskAndSubmissions(t *testing.T) {
	hb := entry("hb", "ana", "heartbeat", 2, 3*time.Second)
	hb.Kind = pulse.KindHeartbeat
	all := []pulse.Entry{
		entry("t1", "ana", "sun", 1, time.Second),
		entry("t2", "ben", "moon", 2, 2*time.Second),
		hb,
	}

	active := &pulse.Session{TaskNumber: 2, IsActive: true}
	got := ids(pulse.Submissions(pulse.FilterTask(all, active)))
	if !reflect.DeepEqual(got, []string{"t2"}) {
		t.Errorf("active task view = %v, want [t2]", got)
	}

	got = ids(pulse.Submissions(pulse.FilterTask(all, nil)))
	if !reflect.DeepEqual(got, []string{"t1", "t2"}) {
		t.Errorf("no task view = %v, want [t1 t2]", got)
	}
}

func TestDerivePresence_CountsHeartbeats(t *testing.T) {
	hb := entry("hb", "ana", "heartbeat", 0, 10*time.Second)
	hb.Kind = pulse.KindHeartbeat
	hb.DeviceID = "tablet"
	all := []pulse.Entry{
		entry("a", "ana", "sun", 1, time.Second),
		hb,
		entry("b", "ben", "moon", 1, 5*time.Second),
	}
	got := pulse.DerivePresence(all)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Name != "ana" || !got[0].LastActivity.Equal(t0.Add(10*time.Second)) || got[0].DeviceID != "tablet" {
		t.Errorf("first = %+v, want ana via heartbeat", got[0])
	}
	if got[1].Name != "ben" {
		t.Errorf("second = %q, want ben", got[1].Name)
	}
}

func TestActiveSession_HighestTaskWins(t *testing.T) {
	sessions := []pulse.Session{
		{ID: "1", TaskNumber: 1, IsActive: true},
		{ID: "3", TaskNumber: 3, IsActive: true},
		{ID: "4", TaskNumber: 4},
	}
	a := pulse.ActiveSession(sessions)
	if a == nil || a.ID != "3" {
		t.Errorf("ActiveSession() = %+v, want task 3", a)
	}
	if pulse.ActiveSession(sessions[2:]) != nil {
		t.Error("ActiveSession() with no active task != nil")
	}
	if n := pulse.LatestTaskNumber(sessions); n != 4 {
		t.Errorf("LatestTaskNumber() = %d, want 4", n)
	}
}

func seedSession(t *testing.T, tr pulse.Transport, s pulse.Session) {
	t.Helper()
	if _, err := tr.Upsert(context.Background(), pulse.TableSessions, s.Row()); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func seedEntry(t *testing.T, tr pulse.Transport, e pulse.Entry) {
	t.Helper()
	if _, err := tr.Insert(context.Background(), pulse.TableEntries, e.Row()); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func TestReconciler_MergesBothAdapters(t *testing.T) {
	remote, local := memory.New("remote"), memory.New("local")
	seedEntry(t, remote, entry("r", "ana", "sun", 1, time.Second))
	seedEntry(t, local, entry("l", "ben", "moon", 1, 2*time.Second))
	seedEntry(t, local, entry("r", "ana", "sun", 1, time.Second))
	seedEntry(t, local, pulse.Entry{ID: "other", SessionID: "class-2", ParticipantName: "x", Timestamp: t0})

	rec := pulse.NewReconciler(remote, local, time.Second, nil)
	got, o := rec.Entries(context.Background(), "class-1")
	if !reflect.DeepEqual(ids(got), []string{"l", "r"}) {
		t.Errorf("Entries() = %v, want [l r]", ids(got))
	}
	if !o.RemoteOK() || !o.LocalOK() {
		t.Errorf("outcome = %+v, want both ok", o)
	}
	if o.RemoteRows != 1 || o.LocalRows != 2 {
		t.Errorf("rows = %d/%d, want 1/2", o.RemoteRows, o.LocalRows)
	}
}

func TestReconciler_FallsBackToLocal(t *testing.T) {
	remote, local := memory.New("remote"), memory.New("local")
	seedSession(t, local, pulse.Session{ID: "class-1_task_1", SessionID: "class-1", TaskNumber: 1, Question: "q", IsActive: true})
	remote.SetFailure(errors.New("backend down"))

	rec := pulse.NewReconciler(remote, local, time.Second, nil)
	got, o := rec.Sessions(context.Background(), "class-1")
	if len(got) != 1 || !got[0].IsActive {
		t.Errorf("Sessions() = %+v, want local active task", got)
	}
	if o.RemoteOK() || !o.LocalOK() {
		t.Errorf("outcome = %+v, want remote failed, local ok", o)
	}
	if !pulse.IsTransportError(o.RemoteErr) {
		t.Errorf("RemoteErr = %v, want *TransportError", o.RemoteErr)
	}
}

func TestReconciler_SkipsMalformedRows(t *testing.T) {
	local := memory.New("local")
	ctx := context.Background()
	if _, err := local.Insert(ctx, pulse.TableEntries, pulse.Row{"id": "bad", "sessionId": "class-1"}); err != nil {
		t.Fatal(err)
	}
	seedEntry(t, local, entry("good", "ana", "sun", 1, time.Second))

	rec := pulse.NewReconciler(nil, local, time.Second, nil)
	got, o := rec.Entries(ctx, "class-1")
	if !reflect.DeepEqual(ids(got), []string{"good"}) {
		t.Errorf("Entries() = %v, want [good]", ids(got))
	}
	if o.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", o.Malformed)
	}
	if !o.RemoteSkipped {
		t.Error("RemoteSkipped = false without remote")
	}
}

func TestReconciler_Write(t *testing.T) {
	insert := func(ctx context.Context, tr pulse.Transport) error {
		_, err := tr.Insert(ctx, pulse.TableEntries, entry("w", "ana", "sun", 1, 0).Row())
		return err
	}

	t.Run("remote down still writes local", func(t *testing.T) {
		remote, local := memory.New("remote"), memory.New("local")
		remote.SetFailure(errors.New("down"))
		res, err := pulse.NewReconciler(remote, local, time.Second, nil).Write(context.Background(), "submit", insert)
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if res.Remote || !res.Local {
			t.Errorf("result = %+v, want local only", res)
		}
		if len(local.Rows(pulse.TableEntries)) != 1 {
			t.Error("local row missing")
		}
	})

	t.Run("local failure does not undo remote", func(t *testing.T) {
		remote, local := memory.New("remote"), memory.New("local")
		local.SetFailure(errors.New("disk full"))
		res, err := pulse.NewReconciler(remote, local, time.Second, nil).Write(context.Background(), "submit", insert)
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if !res.Remote || res.Local {
			t.Errorf("result = %+v, want remote only", res)
		}
		if len(remote.Rows(pulse.TableEntries)) != 1 {
			t.Error("remote row missing")
		}
	})

	t.Run("both down", func(t *testing.T) {
		remote, local := memory.New("remote"), memory.New("local")
		remote.SetFailure(errors.New("down"))
		local.SetFailure(errors.New("disk full"))
		_, err := pulse.NewReconciler(remote, local, time.Second, nil).Write(context.Background(), "submit", insert)
		var ee *pulse.ExhaustionError
		if !errors.As(err, &ee) {
			t.Fatalf("Write() error = %v, want *ExhaustionError", err)
		}
		if len(ee.Errors) != 2 {
			t.Errorf("len(Errors) = %d, want 2", len(ee.Errors))
		}
		if !pulse.IsTransportError(err) {
			t.Error("ExhaustionError does not unwrap to *TransportError")
		}
	})
}

func TestReconciler_LogsAdapterTraffic(t *testing.T) {
	remote, local := memory.New("remote"), memory.New("local")
	seedEntry(t, remote, entry("r", "ana", "sun", 1, time.Second))
	local.SetFailure(errors.New("disk full"))

	core, logs := observer.New(zapcore.DebugLevel)
	rec := pulse.NewReconciler(remote, local, time.Second, pulse.NewDebugLogger(true, zap.New(core)))
	rec.Entries(context.Background(), "class-1")

	requests := logs.FilterMessage("request").All()
	if len(requests) != 2 {
		t.Fatalf("request logs = %d, want 2", len(requests))
	}
	if got := requests[0].ContextMap()["body"]; got != "sessionId=eq.class-1" {
		t.Errorf("request body = %v, want the query filter", got)
	}
	responses := logs.FilterMessage("response").All()
	if len(responses) != 1 {
		t.Fatalf("response logs = %d, want 1 (local failed)", len(responses))
	}
	fields := responses[0].ContextMap()
	if fields["adapter"] != "remote" || fields["rows"] != int64(1) {
		t.Errorf("response fields = %v, want remote with 1 row", fields)
	}
	if logs.FilterMessage("reconcile "+pulse.TableEntries+" local").Len() != 1 {
		t.Error("local failure was not logged")
	}
}

func TestReconciler_QuietWhenDebugOff(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	rec := pulse.NewReconciler(nil, memory.New("local"), time.Second, pulse.NewDebugLogger(false, zap.New(core)))
	rec.Sessions(context.Background(), "class-1")
	if n := logs.FilterMessage("request").Len(); n != 0 {
		t.Errorf("request logs with debug off = %d, want 0", n)
	}
}
