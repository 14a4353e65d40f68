package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/remote"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// conn serializes writes to one websocket client.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(f remote.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// realtime upgrades to a websocket and streams changes for every table the
// client subscribes to.
func (s *Server) realtime(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &conn{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	var unsubs []func()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		cancel()
		for _, u := range unsubs {
			u()
		}
		_ = ws.Close()
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		var f remote.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != remote.FrameSubscribe {
			continue
		}
		unsub, err := s.subscribe(ctx, c, f)
		if err != nil {
			_ = c.send(remote.Frame{Type: remote.FrameError, Table: f.Table, Error: err.Error()})
			continue
		}
		unsubs = append(unsubs, unsub)
		if err := c.send(remote.Frame{Type: remote.FrameSubscribed, Table: f.Table}); err != nil {
			return
		}
	}
}

func (s *Server) subscribe(ctx context.Context, c *conn, f remote.Frame) (func(), error) {
	var filter *pulse.Filter
	if f.Filter != "" {
		parsed, err := pulse.ParseFilter(f.Filter)
		if err != nil {
			return nil, err
		}
		filter = &parsed
	}
	return s.store.Subscribe(ctx, f.Table, filter, func(ch pulse.Change) {
		f := remote.Frame{Type: remote.FrameChange, Table: ch.Table, Action: string(ch.Action), Records: ch.Rows}
		if err := c.send(f); err != nil {
			s.logger.Debug("drop realtime frame", zap.Error(err))
		}
	})
}

// DropConnections closes every open realtime connection, simulating a
// backend outage. Clients are expected to reconnect.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.ws.Close()
	}
}
