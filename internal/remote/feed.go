package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/hyperengineering/pulse"
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second
)

func (c *HTTPClient) realtimeURL() (string, error) {
	u, err := url.Parse(c.baseURL + RealtimePath)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("apikey", c.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// dial opens a feed connection and completes the subscribe handshake.
func (c *HTTPClient) dial(ctx context.Context, table string, filter *pulse.Filter) (*websocket.Conn, error) {
	target, err := c.realtimeURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header := http.Header{}
	header.Set("User-Agent", "pulse-client/1.0")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, err
	}

	sub := Frame{Type: FrameSubscribe, Table: table}
	if filter != nil {
		sub.Filter = filter.String()
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(deadline)
	var ack Frame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, err
	}
	switch ack.Type {
	case FrameSubscribed:
	case FrameError:
		conn.Close()
		return nil, errors.New(ack.Error)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected frame %q", ack.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// Subscribe implements pulse.Transport with a websocket change feed. A feed
// that cannot be established returns an error so the caller can rely on
// polling. Later drops reconnect with exponential backoff; after each
// reconnect a SYNC change tells the caller to re-query what it missed.
func (c *HTTPClient) Subscribe(ctx context.Context, table string, filter *pulse.Filter, onChange func(pulse.Change)) (unsubscribe func(), err error) {
	defer guard("subscribe", table, &err)

	conn, err := c.dial(ctx, table, filter)
	if err != nil {
		return nil, wrapErr("subscribe", table, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &feed{
		client:   c,
		table:    table,
		filter:   filter,
		onChange: onChange,
		conn:     conn,
	}
	f.wg.Add(1)
	go f.run(ctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			f.closeConn()
			f.wg.Wait()
		})
	}, nil
}

type feed struct {
	client   *HTTPClient
	table    string
	filter   *pulse.Filter
	onChange func(pulse.Change)

	mu   sync.Mutex
	conn *websocket.Conn
	wg   sync.WaitGroup
}

func (f *feed) closeConn() {
	f.mu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.mu.Unlock()
}

func (f *feed) run(ctx context.Context) {
	defer f.wg.Done()
	log := f.client.logger.With(zap.String("table", f.table))

	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()

		err := f.read(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Debug("realtime feed dropped", zap.Error(err))

		backoff := retry.WithCappedDuration(reconnectCap, retry.NewExponential(reconnectBase))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			next, err := f.client.dial(ctx, f.table, f.filter)
			if err != nil {
				log.Debug("realtime reconnect failed", zap.Error(err))
				return retry.RetryableError(err)
			}
			f.mu.Lock()
			f.conn = next
			f.mu.Unlock()
			return nil
		})
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			f.closeConn()
			return
		}
		log.Debug("realtime feed reconnected")
		f.onChange(pulse.Change{Table: f.table, Action: pulse.ActionSync})
	}
}

func (f *feed) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		var fr Frame
		if err := conn.ReadJSON(&fr); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch fr.Type {
		case FrameChange:
			if fr.Table != "" && fr.Table != f.table {
				continue
			}
			rows := fr.Rows()
			if f.filter != nil && len(rows) > 0 {
				matched := rows[:0:0]
				for _, r := range rows {
					if f.filter.Match(r) {
						matched = append(matched, r)
					}
				}
				if len(matched) == 0 {
					continue
				}
				rows = matched
			}
			f.onChange(pulse.Change{Table: f.table, Action: pulse.Action(strings.ToUpper(fr.Action)), Rows: rows})
		case FrameError:
			return errors.New(fr.Error)
		}
	}
}
