package pulse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// MergeEntries concatenates sources in order and drops duplicates: an entry
// is a duplicate when an earlier one, kept or dropped, has the same ID or the
// same session, participant, content and timestamp. The result is sorted newest first;
// entries with equal timestamps keep their merged order.
func MergeEntries(sources ...[]Entry) []Entry {
	var n int
	for _, src := range sources {
		n += len(src)
	}
	out := make([]Entry, 0, n)
	seenID := make(map[string]bool, n)
	seenFP := make(map[string]bool, n)
	for _, src := range sources {
		for _, e := range src {
			fp := e.fingerprint()
			dup := seenID[e.ID] || seenFP[fp]
			seenID[e.ID] = true
			seenFP[fp] = true
			if !dup {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// MergeSessions keeps one Session per ID, preferring the greater
// LastUpdated; on a tie the first seen wins. The result is ordered by task
// number.
func MergeSessions(sources ...[]Session) []Session {
	index := make(map[string]int)
	var out []Session
	for _, src := range sources {
		for _, s := range src {
			if i, ok := index[s.ID]; ok {
				if s.LastUpdated > out[i].LastUpdated {
					out[i] = s
				}
				continue
			}
			index[s.ID] = len(out)
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TaskNumber < out[j].TaskNumber
	})
	return out
}

// FilterTask keeps the entries of the active task. With no active task all
// entries are kept.
func FilterTask(entries []Entry, active *Session) []Entry {
	if active == nil {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.TaskNumber == active.TaskNumber {
			out = append(out, e)
		}
	}
	return out
}

// Submissions drops heartbeats.
func Submissions(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsHeartbeat() {
			out = append(out, e)
		}
	}
	return out
}

// DerivePresence reduces entries, heartbeats included, to one record per
// participant holding their latest activity and its device. Most recently
// active participants come first.
func DerivePresence(entries []Entry) []Presence {
	latest := make(map[string]Presence)
	for _, e := range entries {
		p, ok := latest[e.ParticipantName]
		if !ok || e.Timestamp.After(p.LastActivity) {
			latest[e.ParticipantName] = Presence{Name: e.ParticipantName, LastActivity: e.Timestamp, DeviceID: e.DeviceID}
		}
	}
	out := make([]Presence, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ActiveSession returns the active session with the highest task number,
// or nil.
func ActiveSession(sessions []Session) *Session {
	var best *Session
	for i := range sessions {
		s := sessions[i]
		if !s.IsActive {
			continue
		}
		if best == nil || s.TaskNumber > best.TaskNumber {
			best = &s
		}
	}
	return best
}

// LatestTaskNumber returns the highest task number, or 0 with no sessions.
func LatestTaskNumber(sessions []Session) int {
	n := 0
	for _, s := range sessions {
		if s.TaskNumber > n {
			n = s.TaskNumber
		}
	}
	return n
}

// Outcome reports how each adapter fared in one reconciliation run.
type Outcome struct {
	RemoteErr     error
	LocalErr      error
	RemoteRows    int
	LocalRows     int
	RemoteSkipped bool // no remote adapter configured
	Malformed     int
}

// RemoteOK reports whether the remote adapter answered.
func (o Outcome) RemoteOK() bool { return !o.RemoteSkipped && o.RemoteErr == nil }

// LocalOK reports whether the local adapter answered.
func (o Outcome) LocalOK() bool { return o.LocalErr == nil }

// Reconciler queries both adapters and merges their views. It never
// mutates either source.
type Reconciler struct {
	remote  Transport
	local   Transport
	timeout time.Duration
	log     *DebugLogger
}

// NewReconciler creates a reconciler. remote may be nil for local-only use.
func NewReconciler(remote, local Transport, timeout time.Duration, log *DebugLogger) *Reconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{remote: remote, local: local, timeout: timeout, log: log}
}

// fetch queries remote and local concurrently.
func (r *Reconciler) fetch(ctx context.Context, table string, q Query) (remoteRows, localRows []Row, o Outcome) {
	g, gctx := errgroup.WithContext(ctx)
	if r.remote == nil {
		o.RemoteSkipped = true
	} else {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()
			remoteRows, o.RemoteErr = r.query(cctx, r.remote, table, q)
			return nil
		})
	}
	g.Go(func() error {
		localRows, o.LocalErr = r.query(gctx, r.local, table, q)
		return nil
	})
	_ = g.Wait()

	if o.RemoteErr != nil {
		r.log.LogError("reconcile "+table+" remote", o.RemoteErr)
		remoteRows = nil
	}
	if o.LocalErr != nil {
		r.log.LogError("reconcile "+table+" local", o.LocalErr)
		localRows = nil
	}
	o.RemoteRows, o.LocalRows = len(remoteRows), len(localRows)
	return remoteRows, localRows, o
}

func (r *Reconciler) query(ctx context.Context, t Transport, table string, q Query) ([]Row, error) {
	filters := make([]string, len(q.Filters))
	for i, f := range q.Filters {
		filters[i] = f.String()
	}
	r.log.LogRequest(t.Name(), "query", table, []byte(strings.Join(filters, "&")))
	rows, err := t.Query(ctx, table, q)
	if err == nil {
		r.log.LogResponse(t.Name(), "query", table, len(rows))
	}
	return rows, err
}

// Sessions returns the merged sessions for sessionID.
func (r *Reconciler) Sessions(ctx context.Context, sessionID string) ([]Session, Outcome) {
	q := Query{Filters: []Filter{Eq("session_id", sessionID)}}
	remoteRows, localRows, o := r.fetch(ctx, TableSessions, q)

	remote, errs := SessionsFromRows(remoteRows)
	local, lerrs := SessionsFromRows(localRows)
	o.Malformed = len(errs) + len(lerrs)
	r.logMalformed(append(errs, lerrs...))

	merged := MergeSessions(remote, local)
	r.log.LogSync("sessions", fmt.Sprintf("remote=%d local=%d merged=%d", o.RemoteRows, o.LocalRows, len(merged)))
	return merged, o
}

// Entries returns every entry for sessionID, heartbeats included, merged
// and sorted newest first.
func (r *Reconciler) Entries(ctx context.Context, sessionID string) ([]Entry, Outcome) {
	q := Query{Filters: []Filter{Eq("sessionId", sessionID)}}
	remoteRows, localRows, o := r.fetch(ctx, TableEntries, q)

	remote, errs := EntriesFromRows(remoteRows)
	local, lerrs := EntriesFromRows(localRows)
	o.Malformed = len(errs) + len(lerrs)
	r.logMalformed(append(errs, lerrs...))

	merged := MergeEntries(remote, local)
	r.log.LogSync("entries", fmt.Sprintf("remote=%d local=%d merged=%d", o.RemoteRows, o.LocalRows, len(merged)))
	return merged, o
}

func (r *Reconciler) logMalformed(errs []error) {
	for _, err := range errs {
		r.log.Log("skip malformed row: %v", err)
	}
}

// WriteResult reports which adapters accepted a write.
type WriteResult struct {
	Remote    bool
	Local     bool
	RemoteErr error
	LocalErr  error
}

// Write applies fn to the remote adapter and then, whatever the remote
// result, to the local adapter. A failure on one side never rolls back the
// other. Only when every configured adapter fails is an *ExhaustionError
// returned.
func (r *Reconciler) Write(ctx context.Context, op string, fn func(ctx context.Context, t Transport) error) (WriteResult, error) {
	var res WriteResult
	var errs []error

	if r.remote != nil {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		res.RemoteErr = fn(cctx, r.remote)
		cancel()
		if res.RemoteErr != nil {
			r.log.LogError(op+" remote", res.RemoteErr)
			errs = append(errs, res.RemoteErr)
		} else {
			res.Remote = true
		}
	}

	res.LocalErr = fn(ctx, r.local)
	if res.LocalErr != nil {
		r.log.LogError(op+" local", res.LocalErr)
		errs = append(errs, res.LocalErr)
	} else {
		res.Local = true
	}

	if !res.Remote && !res.Local {
		return res, &ExhaustionError{Op: op, Errors: errs}
	}
	return res, nil
}

// HasRemote reports whether a remote adapter is configured.
func (r *Reconciler) HasRemote() bool { return r.remote != nil }

// Remote returns the remote adapter, or nil.
func (r *Reconciler) Remote() Transport { return r.remote }
