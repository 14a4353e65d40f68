package pulse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperengineering/pulse/internal/broadcast"
)

// Scheduler loop names.
const (
	LoopEntries   = "entries"
	LoopSessions  = "sessions"
	LoopTick      = "tick"
	LoopHeartbeat = "heartbeat"
)

// Deps are the collaborators a SyncContext is built from.
type Deps struct {
	// Remote is the hosted backend adapter. Nil runs local-only.
	Remote Transport
	// Local is the device-local adapter. Required.
	Local Transport
	// KV persists participant state. Defaults to Local when it implements KV.
	KV KV
	// Bus carries change signals between role processes. Optional.
	Bus broadcast.Bus
	// Logger receives structured logs. Optional.
	Logger *zap.Logger
}

// SyncContext is one role's live connection to a session. It owns the
// reconciler, the view, the status tracker and the scheduler; Close tears
// all of them down together.
type SyncContext struct {
	cfg      Config
	remote   Transport
	local    Transport
	kv       KV
	bus      broadcast.Bus
	log      *DebugLogger
	rec      *Reconciler
	store    *Store
	status   *StatusTracker
	marking  *Marking
	origin   string
	interval Intervals

	mu     sync.Mutex
	name   string
	sched  *Scheduler
	closed bool
}

// New creates a SyncContext for cfg. Nothing runs until Start; one-shot
// operations work without it.
func New(cfg Config, deps Deps) (*SyncContext, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Local == nil {
		return nil, &ValidationError{Field: "Local", Message: "required: local transport"}
	}
	kv := deps.KV
	if kv == nil {
		kv, _ = deps.Local.(KV)
	}

	log := NewDebugLogger(cfg.Debug, deps.Logger)
	c := &SyncContext{
		cfg:      cfg,
		remote:   deps.Remote,
		local:    deps.Local,
		kv:       kv,
		bus:      deps.Bus,
		log:      log,
		rec:      NewReconciler(deps.Remote, deps.Local, cfg.NetworkTimeout, log),
		store:    NewStore(),
		status:   NewStatusTracker(cfg.Intervals.Stale, cfg.Intervals.SubmittedHold),
		marking:  NewMarking(),
		origin:   broadcast.NewOrigin(),
		interval: cfg.Intervals,
		name:     strings.TrimSpace(cfg.ParticipantName),
	}
	return c, nil
}

// SessionID returns the shared session identifier.
func (c *SyncContext) SessionID() string { return c.cfg.SessionID }

// Role returns the role this context plays.
func (c *SyncContext) Role() Role { return c.cfg.Role }

// DeviceID returns the device identifier written into entries.
func (c *SyncContext) DeviceID() string { return c.cfg.DeviceID }

// Config returns the resolved configuration.
func (c *SyncContext) Config() Config { return c.cfg }

// Store returns the role's view.
func (c *SyncContext) Store() *Store { return c.store }

// Status returns the current connection status.
func (c *SyncContext) Status() ConnectionStatus { return c.status.Status() }

// OnStatus registers fn for status changes.
func (c *SyncContext) OnStatus(fn func(ConnectionStatus)) func() { return c.status.OnChange(fn) }

// IsOffline reports whether no remote adapter is configured.
func (c *SyncContext) IsOffline() bool { return c.remote == nil }

// Start loads persisted participant state, subscribes to both adapters and
// the bus, and starts the polling loops. Loops run until ctx ends or Close.
func (c *SyncContext) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sched != nil {
		c.mu.Unlock()
		return nil
	}
	sched := NewScheduler(ctx)
	c.sched = sched
	c.mu.Unlock()

	if c.cfg.Role == RoleParticipant {
		c.loadParticipantState(ctx)
	}

	sched.Every(LoopEntries, c.entriesInterval, func(context.Context) { c.pollEntries() })
	sched.Every(LoopSessions, c.sessionsInterval, func(context.Context) { c.pollSessions() })
	sched.Every(LoopTick, func() time.Duration { return c.interval.Tick }, func(context.Context) {
		c.store.tick()
		c.status.CheckStale()
	})
	if c.cfg.Role == RoleParticipant {
		sched.Every(LoopHeartbeat, func() time.Duration { return c.interval.Heartbeat }, func(context.Context) {
			if c.ParticipantName() == "" {
				return
			}
			hctx, cancel := sched.Detached(c.cfg.NetworkTimeout)
			defer cancel()
			if err := c.Heartbeat(hctx); err != nil {
				c.log.LogError("heartbeat", err)
			}
		})
	}
	sched.Defer(c.status.Stop)

	c.subscribe(sched, c.remote)
	c.subscribe(sched, c.local)
	if c.bus != nil {
		cancel, err := c.bus.Subscribe(c.onMessage)
		if err != nil {
			c.log.LogError("bus subscribe", err)
		} else {
			sched.Defer(cancel)
		}
	}

	sched.Trigger(LoopSessions)
	sched.Trigger(LoopEntries)
	return nil
}

// Close stops every loop and subscription. In-flight transport calls finish
// in the background and their results are dropped. Adapters and the bus
// belong to the caller and stay open.
func (c *SyncContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sched := c.sched
	c.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	c.status.Stop()
	return c.log.Close()
}

// Wait blocks until the loops started by Start have returned after Close.
func (c *SyncContext) Wait() {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched != nil {
		sched.Wait()
	}
}

func (c *SyncContext) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *SyncContext) scheduler() *Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched
}

func (c *SyncContext) trigger(names ...string) {
	sched := c.scheduler()
	if sched == nil {
		return
	}
	for _, n := range names {
		sched.Trigger(n)
	}
}

func (c *SyncContext) entriesInterval() time.Duration {
	if c.store.Active() != nil {
		return c.interval.EntriesActive
	}
	return c.interval.EntriesIdle
}

// sessionsInterval polls fast for roles following a coordinator. The
// coordinator changes sessions itself and only needs to notice other
// writers.
func (c *SyncContext) sessionsInterval() time.Duration {
	if c.cfg.Role == RoleCoordinator {
		return c.interval.EntriesIdle
	}
	return c.interval.Sessions
}

func (c *SyncContext) subscribe(sched *Scheduler, t Transport) {
	if t == nil {
		return
	}
	ctx := sched.Context()
	sessions := Eq("session_id", c.cfg.SessionID)
	unsub, err := t.Subscribe(ctx, TableSessions, &sessions, func(Change) {
		sched.Trigger(LoopSessions)
		sched.Trigger(LoopEntries)
	})
	if err != nil {
		c.log.LogError(t.Name()+" subscribe sessions", err)
	} else {
		sched.Defer(unsub)
	}

	entries := Eq("sessionId", c.cfg.SessionID)
	unsub, err = t.Subscribe(ctx, TableEntries, &entries, func(Change) {
		sched.Trigger(LoopEntries)
	})
	if err != nil {
		c.log.LogError(t.Name()+" subscribe entries", err)
	} else {
		sched.Defer(unsub)
	}
}

func (c *SyncContext) onMessage(m broadcast.Message) {
	if m.Origin == c.origin {
		return
	}
	if m.SessionID != "" && m.SessionID != c.cfg.SessionID {
		return
	}
	switch m.Type {
	case broadcast.TypeSessionUpdate:
		c.trigger(LoopSessions, LoopEntries)
	case broadcast.TypeNewEntry, broadcast.TypeStudentConnected:
		c.trigger(LoopEntries)
	case broadcast.TypeTableChange:
		switch m.Table {
		case TableSessions:
			c.trigger(LoopSessions, LoopEntries)
		case TableEntries:
			c.trigger(LoopEntries)
		default:
			c.trigger(LoopSessions, LoopEntries)
		}
	}
}

func (c *SyncContext) publish(ctx context.Context, typ broadcast.Type, data any) {
	if c.bus == nil {
		return
	}
	m := broadcast.NewMessage(typ, c.cfg.SessionID, data)
	m.Origin = c.origin
	if err := c.bus.Publish(ctx, m); err != nil {
		c.log.LogError("broadcast "+string(typ), err)
	}
}

// pollSessions is the scheduled reconcile of sessions. Transport calls run
// detached from the scheduler so teardown never interrupts them; their
// results are dropped once the scheduler has stopped.
func (c *SyncContext) pollSessions() {
	sched := c.scheduler()
	ctx, cancel := sched.Detached(2 * c.cfg.NetworkTimeout)
	defer cancel()
	sessions, o := c.rec.Sessions(ctx, c.cfg.SessionID)
	if sched.Done() {
		return
	}
	c.applySessions(sessions, o)
}

func (c *SyncContext) pollEntries() {
	sched := c.scheduler()
	ctx, cancel := sched.Detached(2 * c.cfg.NetworkTimeout)
	defer cancel()
	entries, o := c.rec.Entries(ctx, c.cfg.SessionID)
	if sched.Done() {
		return
	}
	c.applyEntries(entries, o)
}

// waiting reports whether a following role has nothing to follow yet.
func (c *SyncContext) waiting() bool {
	return c.cfg.Role != RoleCoordinator && c.store.Active() == nil
}

func (c *SyncContext) applySessions(sessions []Session, o Outcome) {
	if o.RemoteOK() || o.LocalOK() {
		c.store.setSessions(sessions)
	}
	c.status.ObservePoll(o, c.waiting())
}

func (c *SyncContext) applyEntries(entries []Entry, o Outcome) {
	if o.RemoteOK() || o.LocalOK() {
		c.store.setEntries(entries)
	}
	c.status.ObservePoll(o, c.waiting())
}

func outcomeErr(op string, o Outcome) error {
	if o.RemoteOK() || o.LocalOK() {
		return nil
	}
	errs := []error{o.LocalErr}
	if o.RemoteErr != nil {
		errs = append([]error{o.RemoteErr}, errs...)
	}
	return &ExhaustionError{Op: op, Errors: errs}
}

// RefreshSessions reconciles sessions now. It fails only when no adapter
// answered.
func (c *SyncContext) RefreshSessions(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	sessions, o := c.rec.Sessions(ctx, c.cfg.SessionID)
	c.applySessions(sessions, o)
	return outcomeErr("refresh sessions", o)
}

// RefreshEntries reconciles entries and presence now.
func (c *SyncContext) RefreshEntries(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	entries, o := c.rec.Entries(ctx, c.cfg.SessionID)
	c.applyEntries(entries, o)
	return outcomeErr("refresh entries", o)
}

// Snapshot returns a copy of the role's view and status.
func (c *SyncContext) Snapshot() Snapshot {
	return Snapshot{
		SessionID:    c.cfg.SessionID,
		Role:         c.cfg.Role,
		Status:       c.status.Status(),
		Active:       c.store.Active(),
		Sessions:     c.store.Sessions(),
		Entries:      c.store.Entries(),
		Presence:     c.store.Presence(),
		Elapsed:      c.store.Elapsed(),
		NextTask:     c.store.NextTaskNumber(),
		Finished:     c.store.Finished(),
		LastSyncedAt: c.store.LastSynced(),
	}
}

// NetworkOnline reports restored connectivity and polls at once.
func (c *SyncContext) NetworkOnline() {
	c.status.NetworkOnline()
	c.trigger(LoopSessions, LoopEntries)
}

// NetworkOffline reports lost connectivity.
func (c *SyncContext) NetworkOffline() {
	c.status.NetworkOffline()
}

func (c *SyncContext) requireRole(role Role, op string) error {
	if c.cfg.Role != role {
		return fmt.Errorf("%s as %s: %w", op, c.cfg.Role, ErrWrongRole)
	}
	return c.checkOpen()
}

// ForceSync reconciles everything now with the status showing syncing. A
// coordinator re-creates its active task on the remote when the remote
// lost it; a joined participant also sends a heartbeat.
func (c *SyncContext) ForceSync(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.status.BeginSync()

	if c.cfg.Role == RoleCoordinator {
		if err := c.restoreActiveRemote(ctx); err != nil {
			c.log.LogError("force sync restore", err)
		}
	}

	sessions, so := c.rec.Sessions(ctx, c.cfg.SessionID)
	if so.RemoteOK() || so.LocalOK() {
		c.store.setSessions(sessions)
	}
	entries, eo := c.rec.Entries(ctx, c.cfg.SessionID)
	if eo.RemoteOK() || eo.LocalOK() {
		c.store.setEntries(entries)
	}

	if c.cfg.Role == RoleParticipant && c.ParticipantName() != "" {
		if err := c.Heartbeat(ctx); err != nil {
			c.log.LogError("force sync heartbeat", err)
		}
	}
	if c.cfg.Role == RoleCoordinator {
		c.publish(ctx, broadcast.TypeSessionUpdate, c.store.Sessions())
	}

	err := errors.Join(outcomeErr("sync sessions", so), outcomeErr("sync entries", eo))
	if err != nil {
		c.status.Fail()
		return err
	}
	c.status.EndSync(so.RemoteOK() && eo.RemoteOK())
	return nil
}

// restoreActiveRemote writes the active task to the remote when the remote
// no longer has it.
func (c *SyncContext) restoreActiveRemote(ctx context.Context) error {
	active := c.store.Active()
	if c.remote == nil || active == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.NetworkTimeout)
	defer cancel()
	rows, err := c.remote.Query(rctx, TableSessions, Query{Filters: []Filter{
		Eq("session_id", c.cfg.SessionID),
		Eq("task_number", active.TaskNumber),
	}})
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}
	c.log.Log("active task %d missing on remote, re-creating", active.TaskNumber)
	_, err = c.remote.Upsert(rctx, TableSessions, active.Row())
	return err
}
