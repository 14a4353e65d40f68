package pulse

import (
	"sync"
	"time"
)

// StatusTracker derives the advisory ConnectionStatus from poll outcomes,
// network events and the submit and sync flows. It never gates
// reconciliation.
type StatusTracker struct {
	stale time.Duration
	hold  time.Duration
	now   func() time.Time

	mu          sync.Mutex
	status      ConnectionStatus
	offline     bool
	lastRemote  time.Time
	holdTimer   *time.Timer
	listeners   map[int]func(ConnectionStatus)
	nextID      int

	notifyMu sync.Mutex
}

// NewStatusTracker creates a tracker in the connecting state.
func NewStatusTracker(stale, hold time.Duration) *StatusTracker {
	return &StatusTracker{
		stale:     stale,
		hold:      hold,
		now:       time.Now,
		status:    StatusConnecting,
		listeners: make(map[int]func(ConnectionStatus)),
	}
}

// Status returns the current status.
func (t *StatusTracker) Status() ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// OnChange registers fn to run after every status change. The returned
// function removes it.
func (t *StatusTracker) OnChange(fn func(ConnectionStatus)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// set changes the status under t.mu and returns the listeners to notify,
// or nil when nothing changed.
func (t *StatusTracker) set(s ConnectionStatus) []func(ConnectionStatus) {
	if t.status == s {
		return nil
	}
	t.status = s
	fns := make([]func(ConnectionStatus), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (t *StatusTracker) notify(fns []func(ConnectionStatus), s ConnectionStatus) {
	if len(fns) == 0 {
		return
	}
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (t *StatusTracker) transition(s ConnectionStatus) {
	t.mu.Lock()
	fns := t.set(s)
	t.mu.Unlock()
	t.notify(fns, s)
}

func (t *StatusTracker) holding() bool {
	switch t.status {
	case StatusSubmitting, StatusSubmitted, StatusSyncing:
		return true
	}
	return false
}

// ObservePoll applies a reconciliation outcome. waiting reports that no
// active session exists on any reachable adapter.
func (t *StatusTracker) ObservePoll(o Outcome, waiting bool) {
	t.mu.Lock()
	if o.RemoteOK() || o.LocalOK() {
		t.offline = false
	}
	if o.RemoteOK() {
		t.lastRemote = t.now()
	}
	if t.holding() {
		t.mu.Unlock()
		return
	}

	var next ConnectionStatus
	switch {
	case !o.RemoteOK() && !o.LocalOK():
		next = StatusError
	case waiting:
		next = StatusWaiting
	case o.RemoteOK():
		next = StatusConnected
	case t.remoteStale():
		next = StatusReconnecting
	default:
		next = StatusLocal
	}
	fns := t.set(next)
	t.mu.Unlock()
	t.notify(fns, next)
}

// NetworkOffline records loss of connectivity.
func (t *StatusTracker) NetworkOffline() {
	t.mu.Lock()
	t.offline = true
	fns := t.set(StatusOffline)
	t.mu.Unlock()
	t.notify(fns, StatusOffline)
}

// NetworkOnline records restored connectivity. It only moves out of the
// offline state.
func (t *StatusTracker) NetworkOnline() {
	t.mu.Lock()
	if !t.offline && t.status != StatusOffline {
		t.mu.Unlock()
		return
	}
	t.offline = false
	fns := t.set(StatusReconnecting)
	t.mu.Unlock()
	t.notify(fns, StatusReconnecting)
}

// CheckStale moves a connected or local tracker to reconnecting when the
// remote has not answered within the stale threshold. A tracker that never
// reached the remote stays as it is.
func (t *StatusTracker) CheckStale() {
	t.mu.Lock()
	if (t.status != StatusConnected && t.status != StatusLocal) || !t.remoteStale() {
		t.mu.Unlock()
		return
	}
	fns := t.set(StatusReconnecting)
	t.mu.Unlock()
	t.notify(fns, StatusReconnecting)
}

// remoteStale must be called with t.mu held.
func (t *StatusTracker) remoteStale() bool {
	return !t.lastRemote.IsZero() && t.now().Sub(t.lastRemote) > t.stale
}

// BeginSubmit enters the submitting state.
func (t *StatusTracker) BeginSubmit() {
	t.mu.Lock()
	t.stopHold()
	fns := t.set(StatusSubmitting)
	t.mu.Unlock()
	t.notify(fns, StatusSubmitting)
}

// Submitted enters the submitted state and, after the hold period, settles
// on connected when the remote accepted the write or local otherwise.
func (t *StatusTracker) Submitted(viaRemote bool) {
	settle := StatusLocal
	if viaRemote {
		settle = StatusConnected
	}
	t.mu.Lock()
	t.stopHold()
	fns := t.set(StatusSubmitted)
	t.holdTimer = time.AfterFunc(t.hold, func() {
		t.mu.Lock()
		if t.status != StatusSubmitted {
			t.mu.Unlock()
			return
		}
		t.holdTimer = nil
		fns := t.set(settle)
		t.mu.Unlock()
		t.notify(fns, settle)
	})
	t.mu.Unlock()
	t.notify(fns, StatusSubmitted)
}

// Fail enters the error state after every adapter refused a write.
func (t *StatusTracker) Fail() {
	t.mu.Lock()
	t.stopHold()
	fns := t.set(StatusError)
	t.mu.Unlock()
	t.notify(fns, StatusError)
}

// BeginSync enters the syncing state.
func (t *StatusTracker) BeginSync() {
	t.transition(StatusSyncing)
}

// EndSync leaves the syncing state for connected or local.
func (t *StatusTracker) EndSync(viaRemote bool) {
	next := StatusLocal
	if viaRemote {
		next = StatusConnected
	}
	t.mu.Lock()
	if t.status != StatusSyncing {
		t.mu.Unlock()
		return
	}
	fns := t.set(next)
	t.mu.Unlock()
	t.notify(fns, next)
}

// Stop cancels a pending hold timer.
func (t *StatusTracker) Stop() {
	t.mu.Lock()
	t.stopHold()
	t.mu.Unlock()
}

func (t *StatusTracker) stopHold() {
	if t.holdTimer != nil {
		t.holdTimer.Stop()
		t.holdTimer = nil
	}
}
