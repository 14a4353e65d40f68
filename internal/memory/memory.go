// Package memory provides an in-process pulse.Transport. It backs the
// backend emulator by default and stands in for either adapter in tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/pulse"
)

// ErrConflict is returned when an insert reuses an existing id.
var ErrConflict = errors.New("duplicate id")

type subscription struct {
	table    string
	filter   *pulse.Filter
	onChange func(pulse.Change)
}

// Transport keeps tables as ordered row slices guarded by one mutex.
type Transport struct {
	name string

	mu      sync.Mutex
	tables  map[string][]pulse.Row
	subs    map[int]*subscription
	nextSub int
	failure error
	calls   map[string]int
	kv      map[string]string
}

// New creates an empty transport reporting the given adapter name.
func New(name string) *Transport {
	if name == "" {
		name = "memory"
	}
	return &Transport{
		name:   name,
		tables: make(map[string][]pulse.Row),
		subs:   make(map[int]*subscription),
		calls:  make(map[string]int),
		kv:     make(map[string]string),
	}
}

// Name implements pulse.Transport.
func (t *Transport) Name() string { return t.name }

// SetFailure makes every subsequent call fail with err wrapped in a
// *pulse.TransportError. A nil err restores normal operation.
func (t *Transport) SetFailure(err error) {
	t.mu.Lock()
	t.failure = err
	t.mu.Unlock()
}

// Calls returns how many times op has been invoked.
func (t *Transport) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// Rows returns a copy of every row in table.
func (t *Transport) Rows(table string) []pulse.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	return pulse.ApplyQuery(t.tables[table], pulse.Query{})
}

func (t *Transport) begin(op, table string) error {
	t.calls[op]++
	if t.failure != nil {
		return t.err(op, table, http.StatusServiceUnavailable, t.failure)
	}
	return nil
}

func (t *Transport) err(op, table string, status int, err error) error {
	return &pulse.TransportError{Adapter: t.name, Op: op, Table: table, StatusCode: status, Err: err}
}

// Query implements pulse.Transport.
func (t *Transport) Query(ctx context.Context, table string, q pulse.Query) ([]pulse.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, t.err("query", table, 0, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin("query", table); err != nil {
		return nil, err
	}
	return pulse.ApplyQuery(t.tables[table], q), nil
}

// Insert implements pulse.Transport. Rows without an id are assigned a ULID.
func (t *Transport) Insert(ctx context.Context, table string, rows ...pulse.Row) ([]pulse.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, t.err("insert", table, 0, err)
	}
	t.mu.Lock()
	if err := t.begin("insert", table); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	existing := make(map[string]bool, len(t.tables[table]))
	for _, r := range t.tables[table] {
		existing[r.ID()] = true
	}
	inserted := make([]pulse.Row, 0, len(rows))
	for _, r := range rows {
		r = r.Clone()
		if r.ID() == "" {
			r["id"] = ulid.Make().String()
		}
		if existing[r.ID()] {
			t.mu.Unlock()
			return nil, t.err("insert", table, http.StatusConflict, fmt.Errorf("%w: %s", ErrConflict, r.ID()))
		}
		existing[r.ID()] = true
		inserted = append(inserted, r)
	}
	t.tables[table] = append(t.tables[table], inserted...)
	subs := t.matchingSubs(table)
	t.mu.Unlock()

	t.notify(subs, pulse.Change{Table: table, Action: pulse.ActionInsert, Rows: inserted})
	return cloneRows(inserted), nil
}

// Upsert implements pulse.Transport.
func (t *Transport) Upsert(ctx context.Context, table string, row pulse.Row) (pulse.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, t.err("upsert", table, 0, err)
	}
	t.mu.Lock()
	if err := t.begin("upsert", table); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	row = row.Clone()
	if row.ID() == "" {
		t.mu.Unlock()
		return nil, t.err("upsert", table, http.StatusBadRequest, errors.New("row has no id"))
	}
	kept := t.tables[table][:0:0]
	for _, r := range t.tables[table] {
		if r.ID() != row.ID() {
			kept = append(kept, r)
		}
	}
	t.tables[table] = append(kept, row)
	subs := t.matchingSubs(table)
	t.mu.Unlock()

	t.notify(subs, pulse.Change{Table: table, Action: pulse.ActionUpsert, Rows: []pulse.Row{row}})
	return row.Clone(), nil
}

// Update implements pulse.Transport.
func (t *Transport) Update(ctx context.Context, table string, patch pulse.Row, filters ...pulse.Filter) ([]pulse.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, t.err("update", table, 0, err)
	}
	t.mu.Lock()
	if err := t.begin("update", table); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	var updated []pulse.Row
	rows := t.tables[table]
	for i, r := range rows {
		if !pulse.MatchRow(r, filters...) {
			continue
		}
		next := r.Clone()
		for k, v := range patch {
			next[k] = v
		}
		rows[i] = next
		updated = append(updated, next)
	}
	subs := t.matchingSubs(table)
	t.mu.Unlock()

	if len(updated) > 0 {
		t.notify(subs, pulse.Change{Table: table, Action: pulse.ActionUpdate, Rows: updated})
	}
	return cloneRows(updated), nil
}

// Delete implements pulse.Transport.
func (t *Transport) Delete(ctx context.Context, table string, filters ...pulse.Filter) error {
	if err := ctx.Err(); err != nil {
		return t.err("delete", table, 0, err)
	}
	t.mu.Lock()
	if err := t.begin("delete", table); err != nil {
		t.mu.Unlock()
		return err
	}
	var kept, removed []pulse.Row
	for _, r := range t.tables[table] {
		if pulse.MatchRow(r, filters...) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	t.tables[table] = kept
	subs := t.matchingSubs(table)
	t.mu.Unlock()

	if len(removed) > 0 {
		t.notify(subs, pulse.Change{Table: table, Action: pulse.ActionDelete, Rows: removed})
	}
	return nil
}

// Subscribe implements pulse.Transport. Callbacks run on the mutating
// goroutine after the table lock is released.
func (t *Transport) Subscribe(ctx context.Context, table string, filter *pulse.Filter, onChange func(pulse.Change)) (func(), error) {
	t.mu.Lock()
	if err := t.begin("subscribe", table); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = &subscription{table: table, filter: filter, onChange: onChange}
	t.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}, nil
}

func (t *Transport) matchingSubs(table string) []*subscription {
	var out []*subscription
	for _, s := range t.subs {
		if s.table == table {
			out = append(out, s)
		}
	}
	return out
}

func (t *Transport) notify(subs []*subscription, c pulse.Change) {
	for _, s := range subs {
		rows := cloneRows(c.Rows)
		if s.filter != nil {
			all := rows
			rows = nil
			for _, r := range all {
				if s.filter.Match(r) {
					rows = append(rows, r)
				}
			}
			if len(rows) == 0 {
				continue
			}
		}
		s.onChange(pulse.Change{Table: c.Table, Action: c.Action, Rows: rows})
	}
}

func cloneRows(rows []pulse.Row) []pulse.Row {
	out := make([]pulse.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
