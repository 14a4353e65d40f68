package local

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/broadcast"
)

// subscription diffs one table against a private snapshot.
type subscription struct {
	table    string
	filter   *pulse.Filter
	onChange func(pulse.Change)

	mu       sync.Mutex
	baseline string

	kick chan struct{}
	done chan struct{}
	once sync.Once
}

func (sub *subscription) stop() {
	sub.once.Do(func() { close(sub.done) })
}

func (sub *subscription) view(rows []pulse.Row) []pulse.Row {
	if sub.filter == nil {
		return rows
	}
	var out []pulse.Row
	for _, r := range rows {
		if sub.filter.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

func fingerprint(rows []pulse.Row) string {
	data, err := json.Marshal(rows)
	if err != nil {
		return ""
	}
	return string(data)
}

// advance records a write made through this store and reports it directly,
// so the next diff does not announce it again.
func (sub *subscription) advance(next, changed []pulse.Row, action pulse.Action) {
	sub.mu.Lock()
	sub.baseline = fingerprint(sub.view(next))
	sub.mu.Unlock()

	rows := sub.view(changed)
	if len(rows) == 0 {
		return
	}
	sub.onChange(pulse.Change{Table: sub.table, Action: action, Rows: rows})
}

// diff fires onChange when the table content differs from the snapshot.
func (sub *subscription) diff(rows []pulse.Row) {
	view := sub.view(rows)
	fp := fingerprint(view)

	sub.mu.Lock()
	if fp == sub.baseline {
		sub.mu.Unlock()
		return
	}
	sub.baseline = fp
	sub.mu.Unlock()

	sub.onChange(pulse.Change{Table: sub.table, Action: pulse.ActionSync, Rows: view})
}

// Subscribe implements pulse.Transport. Changes made through this store are
// reported as they happen; changes made by other processes are found by a
// periodic full-table diff, run early when a bus message arrives.
func (s *Store) Subscribe(ctx context.Context, table string, filter *pulse.Filter, onChange func(pulse.Change)) (unsubscribe func(), err error) {
	defer s.guard("subscribe", table, &err)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.transportErr("subscribe", table, ErrStoreClosed)
	}
	rows, err := s.readTable(ctx, s.db, table)
	s.mu.Unlock()
	if err != nil {
		return nil, s.transportErr("subscribe", table, err)
	}

	sub := &subscription{
		table:    table,
		filter:   filter,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	sub.baseline = fingerprint(sub.view(rows))

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subsMu.Unlock()

	var cancelBus func()
	if s.bus != nil {
		cancelBus, err = s.bus.Subscribe(func(m broadcast.Message) {
			if m.Origin == s.origin {
				return
			}
			if m.Table != "" && m.Table != table {
				return
			}
			select {
			case sub.kick <- struct{}{}:
			default:
			}
		})
		if err != nil {
			s.logger.Debug("local subscribe without bus", zap.String("table", table), zap.Error(err))
			cancelBus = nil
		}
	}

	go s.poll(ctx, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			if cancelBus != nil {
				cancelBus()
			}
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			sub.stop()
		})
	}, nil
}

func (s *Store) poll(ctx context.Context, sub *subscription) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-ticker.C:
		case <-sub.kick:
		}
		rows, err := s.Query(ctx, sub.table, pulse.Query{})
		if err != nil {
			s.logger.Debug("local poll failed", zap.String("table", sub.table), zap.Error(err))
			continue
		}
		select {
		case <-sub.done:
			return
		default:
		}
		sub.diff(rows)
	}
}
