package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("broadcast: bus closed")

// Local fans messages out to handlers in the same process.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	closed   bool
}

// NewLocal creates an in-process bus.
func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

// Publish delivers m to every handler on the calling goroutine.
func (b *Local) Publish(_ context.Context, m Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(m)
	}
	return nil
}

// Subscribe registers h until cancel is called.
func (b *Local) Subscribe(h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := b.next
	b.next++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

// Close drops all handlers.
func (b *Local) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = map[int]Handler{}
	b.mu.Unlock()
	return nil
}
