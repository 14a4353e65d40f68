package broadcast

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher turns writes to a store file into TABLE_CHANGE messages, so
// processes sharing one SQLite file notice each other's writes without
// waiting for their next poll. Publish is a no-op: the write itself is
// the signal.
type Watcher struct {
	watcher  *fsnotify.Watcher
	base     string
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	handlers map[int]Handler
	next     int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher watches the directory of dbPath. Writes to the database file
// or its WAL are coalesced over debounce before handlers run.
func NewWatcher(dbPath string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(dbPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(dbPath), err)
	}
	w := &Watcher{
		watcher:  fw,
		base:     filepath.Base(dbPath),
		debounce: debounce,
		logger:   logger,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) relevant(name string) bool {
	switch filepath.Base(name) {
	case w.base, w.base + "-wal":
		return true
	}
	return false
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !w.relevant(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("store watcher error", zap.Error(err))
		case <-fire:
			timer, fire = nil, nil
			w.emit()
		}
	}
}

func (w *Watcher) emit() {
	w.mu.Lock()
	hs := make([]Handler, 0, len(w.handlers))
	for _, h := range w.handlers {
		hs = append(hs, h)
	}
	w.mu.Unlock()

	m := NewMessage(TypeTableChange, "", nil)
	m.Action = "SYNC"
	for _, h := range hs {
		h(m)
	}
}

// Publish implements Bus and does nothing.
func (w *Watcher) Publish(context.Context, Message) error { return nil }

// Subscribe registers h for file change signals.
func (w *Watcher) Subscribe(h Handler) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	w.handlers[id] = h
	return func() {
		w.mu.Lock()
		delete(w.handlers, id)
		w.mu.Unlock()
	}, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
