package pulse

import (
	"context"
	"fmt"
	"sync"
)

// KV is the non-table key-value surface of the local store.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// MarkingKey is the local store key holding a participant's self-marks.
func MarkingKey(sessionID string) string {
	return "self_marking_" + sessionID
}

// NameKey is the local store key holding a participant's saved name.
func NameKey(sessionID string) string {
	return "student_name_" + sessionID
}

// Marking tracks which of a participant's own entries they marked correct.
// Marks are keyed by task and entry so they survive re-reconciliation.
type Marking struct {
	mu    sync.Mutex
	marks map[string]bool // "<task>_<entryId>" -> correct
}

// NewMarking creates an empty marking tracker.
func NewMarking() *Marking {
	return &Marking{marks: make(map[string]bool)}
}

func markKey(task int, entryID string) string {
	return fmt.Sprintf("%d_%s", task, entryID)
}

// Mark records whether an entry is correct.
func (m *Marking) Mark(task int, entryID string, correct bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[markKey(task, entryID)] = correct
}

// Get returns the mark for an entry and whether one exists.
func (m *Marking) Get(task int, entryID string) (correct, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	correct, ok = m.marks[markKey(task, entryID)]
	return correct, ok
}

// CorrectCount returns how many entries are marked correct.
func (m *Marking) CorrectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ok := range m.marks {
		if ok {
			n++
		}
	}
	return n
}

// All returns a copy of every mark.
func (m *Marking) All() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]bool, len(m.marks))
	for k, v := range m.marks {
		result[k] = v
	}
	return result
}

// Clear drops every mark.
func (m *Marking) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = make(map[string]bool)
}

// Load replaces the marks with those saved under the session's key.
func (m *Marking) Load(ctx context.Context, kv KV, sessionID string) error {
	saved := make(map[string]bool)
	if _, err := kv.GetJSON(ctx, MarkingKey(sessionID), &saved); err != nil {
		return fmt.Errorf("load marking: %w", err)
	}
	m.mu.Lock()
	m.marks = saved
	m.mu.Unlock()
	return nil
}

// Save persists the marks under the session's key.
func (m *Marking) Save(ctx context.Context, kv KV, sessionID string) error {
	if err := kv.SetJSON(ctx, MarkingKey(sessionID), m.All()); err != nil {
		return fmt.Errorf("save marking: %w", err)
	}
	return nil
}
