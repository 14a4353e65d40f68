package pulse

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is one role's in-memory view of a session: the reconciled sessions
// and entries plus the counters derived from them. All access is
// mutex-guarded; readers get copies.
type Store struct {
	mu         sync.RWMutex
	sessions   []Session
	active     *Session
	entries    []Entry // submissions of the active task, newest first
	all        []Entry // every entry of the session, heartbeats included
	presence   []Presence
	elapsed    int
	nextTask   int
	finished   bool
	version    uint64
	lastSynced time.Time

	listeners map[int]func(uint64)
	nextID    int
}

// NewStore creates an empty view. The next task number starts at 1.
func NewStore() *Store {
	return &Store{nextTask: 1, listeners: make(map[int]func(uint64))}
}

// Sessions returns every known task of the session, ordered by task number.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Session(nil), s.sessions...)
}

// Active returns a copy of the active session, or nil.
func (s *Store) Active() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	a := *s.active
	return &a
}

// Entries returns the submissions of the active task (all tasks when none
// is active), newest first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// AllEntries returns every entry of the session, heartbeats included.
func (s *Store) AllEntries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.all...)
}

// Presence returns one record per participant, most recent first.
func (s *Store) Presence() []Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Presence(nil), s.presence...)
}

// Elapsed returns the seconds the active task has been running.
func (s *Store) Elapsed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.elapsed
}

// NextTaskNumber returns the number the next started task will get.
func (s *Store) NextTaskNumber() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextTask
}

// Finished reports whether the coordinator ended the session.
func (s *Store) Finished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// Version increments on every change to the view.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LastSynced returns when entries were last reconciled.
func (s *Store) LastSynced() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSynced
}

// WordCounts aggregates the current submissions by lowercased, trimmed
// content, most frequent first and alphabetical among equals.
func (s *Store) WordCounts() []WordCount {
	s.mu.RLock()
	counts := make(map[string]int)
	for _, e := range s.entries {
		w := strings.ToLower(strings.TrimSpace(e.Content))
		if w == "" {
			continue
		}
		counts[w]++
	}
	s.mu.RUnlock()

	out := make([]WordCount, 0, len(counts))
	for w, n := range counts {
		out = append(out, WordCount{Word: w, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Word < out[j].Word
	})
	return out
}

// UniqueResponses counts distinct submissions, ignoring case.
func (s *Store) UniqueResponses() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.entries))
	for _, e := range s.entries {
		seen[strings.ToLower(e.Content)] = struct{}{}
	}
	return len(seen)
}

// OnChange registers fn to run with the new version after every change.
// The returned function removes it.
func (s *Store) OnChange(fn func(version uint64)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// update runs fn under the write lock and notifies listeners when the
// version moved.
func (s *Store) update(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.version++
	v := s.version
	fns := make([]func(uint64), 0, len(s.listeners))
	for _, l := range s.listeners {
		fns = append(fns, l)
	}
	s.mu.Unlock()
	for _, l := range fns {
		l(v)
	}
}

// setSessions replaces the sessions and recomputes the active one and the
// next task number, which never decreases.
func (s *Store) setSessions(sessions []Session) {
	s.update(func() bool {
		active := ActiveSession(sessions)
		changed := !reflect.DeepEqual(s.sessions, sessions) || !reflect.DeepEqual(s.active, active)
		s.sessions = sessions
		if !sameTask(s.active, active) {
			s.elapsed = 0
		}
		s.active = active
		if n := LatestTaskNumber(sessions) + 1; n > s.nextTask {
			s.nextTask = n
			changed = true
		}
		if active != nil && active.StartTime != nil {
			if e := elapsedSince(*active.StartTime); e != s.elapsed {
				s.elapsed = e
				changed = true
			}
		}
		return changed
	})
}

// setEntries replaces the entries. all is every reconciled entry for the
// session; the submission view is derived from the active task.
func (s *Store) setEntries(all []Entry) {
	s.update(func() bool {
		s.lastSynced = time.Now()
		subs := Submissions(FilterTask(all, s.active))
		presence := DerivePresence(all)
		changed := !reflect.DeepEqual(s.entries, subs) || !reflect.DeepEqual(s.presence, presence)
		s.all = all
		s.entries = subs
		s.presence = presence
		return changed
	})
}

// tick advances the elapsed counter while a task is active. A task with a
// start time derives elapsed from it.
func (s *Store) tick() {
	s.update(func() bool {
		if s.active == nil || !s.active.IsActive {
			return false
		}
		if s.active.StartTime != nil {
			e := elapsedSince(*s.active.StartTime)
			if e == s.elapsed {
				return false
			}
			s.elapsed = e
			return true
		}
		s.elapsed++
		return true
	})
}

// bumpNextTask raises the next task number to at least n.
func (s *Store) bumpNextTask(n int) {
	s.update(func() bool {
		if n <= s.nextTask {
			return false
		}
		s.nextTask = n
		return true
	})
}

func (s *Store) setFinished(v bool) {
	s.update(func() bool {
		if s.finished == v {
			return false
		}
		s.finished = v
		return true
	})
}

// reset empties the view after a session clear.
func (s *Store) reset() {
	s.update(func() bool {
		s.sessions = nil
		s.active = nil
		s.entries = nil
		s.all = nil
		s.presence = nil
		s.elapsed = 0
		s.nextTask = 1
		s.finished = false
		return true
	})
}

func sameTask(a, b *Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

func elapsedSince(start time.Time) int {
	d := time.Since(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// FormatElapsed renders seconds as MM:SS.
func FormatElapsed(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
