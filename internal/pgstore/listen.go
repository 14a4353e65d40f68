package pgstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/hyperengineering/pulse"
)

type subscription struct {
	table    string
	filter   *pulse.Filter
	onChange func(pulse.Change)
}

// Subscribe implements pulse.Transport. One LISTEN connection serves every
// subscription of the store; it is started on first use.
func (s *Store) Subscribe(ctx context.Context, table string, filter *pulse.Filter, onChange func(pulse.Change)) (unsubscribe func(), err error) {
	defer guard("subscribe", table, &err)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscription{table: table, filter: filter, onChange: onChange}
	if s.listener == nil {
		lctx, cancel := context.WithCancel(context.Background())
		s.listener = cancel
		ready := make(chan error, 1)
		s.wg.Add(1)
		go s.listen(lctx, ready)
		s.mu.Unlock()
		if err := <-ready; err != nil {
			s.mu.Lock()
			delete(s.subs, id)
			s.listener = nil
			s.mu.Unlock()
			cancel()
			return nil, transportErr("subscribe", table, err)
		}
	} else {
		s.mu.Unlock()
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsub)
	return func() {
		stop()
		unsub()
	}, nil
}

func (s *Store) listen(ctx context.Context, ready chan<- error) {
	defer s.wg.Done()

	announced := false
	for {
		failedToStart := false
		err := s.listenOnce(ctx, func(err error) {
			if announced {
				return
			}
			announced = true
			failedToStart = err != nil
			ready <- err
		})
		if failedToStart || ctx.Err() != nil {
			return
		}
		s.logger.Debug("listener dropped", zap.Error(err))

		backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(500*time.Millisecond))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := s.pool.Ping(ctx); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return
		}
		s.dispatch(notice{Action: string(pulse.ActionSync)})
	}
}

// listenOnce holds one connection in LISTEN until it fails. started is
// called once LISTEN succeeds or fails to start.
func (s *Store) listenOnce(ctx context.Context, started func(error)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		started(err)
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		started(err)
		return err
	}
	started(nil)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var msg notice
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			s.logger.Debug("drop malformed notification", zap.Error(err))
			continue
		}
		s.dispatch(msg)
	}
}

// dispatch hands a notice to matching subscriptions. An empty table (after
// a reconnect) reaches every subscription as a SYNC change.
func (s *Store) dispatch(msg notice) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if msg.Table == "" || sub.table == msg.Table {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		change := pulse.Change{Table: sub.table, Action: pulse.Action(msg.Action)}
		if len(msg.Rows) == 0 {
			sub.onChange(change)
			continue
		}
		for _, r := range msg.Rows {
			if sub.filter == nil || sub.filter.Match(r) {
				change.Rows = append(change.Rows, r)
			}
		}
		if len(change.Rows) > 0 {
			sub.onChange(change)
		}
	}
}
