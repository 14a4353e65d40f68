package pulse_test

import (
	"context"
	"testing"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/memory"
)

func TestMarking_CountAndPersist(t *testing.T) {
	ctx := context.Background()
	kv := memory.New("local")

	m := pulse.NewMarking()
	m.Mark(1, "e1", true)
	m.Mark(1, "e2", false)
	m.Mark(2, "e1", true)
	if got := m.CorrectCount(); got != 2 {
		t.Errorf("CorrectCount() = %d, want 2", got)
	}
	m.Mark(2, "e1", false)
	if got := m.CorrectCount(); got != 1 {
		t.Errorf("CorrectCount() after unmark = %d, want 1", got)
	}
	if err := m.Save(ctx, kv, "class-1"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded := pulse.NewMarking()
	if err := loaded.Load(ctx, kv, "class-1"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if correct, ok := loaded.Get(1, "e1"); !ok || !correct {
		t.Errorf("Get(1, e1) = %v, %v; want true, true", correct, ok)
	}
	if _, ok := loaded.Get(3, "e1"); ok {
		t.Error("Get(3, e1) found a mark that was never set")
	}
	raw, ok, _ := kv.Get(ctx, pulse.MarkingKey("class-1"))
	if !ok || raw == "" {
		t.Errorf("marks not stored under %q", pulse.MarkingKey("class-1"))
	}

	other := pulse.NewMarking()
	if err := other.Load(ctx, kv, "class-2"); err != nil {
		t.Fatal(err)
	}
	if len(other.All()) != 0 {
		t.Error("marks leaked across sessions")
	}

	loaded.Clear()
	if loaded.CorrectCount() != 0 {
		t.Error("Clear() kept marks")
	}
}
