// Package local implements the device-local pulse.Transport: a SQLite
// key-value store holding each table as one JSON array, shared by every
// role process on the device through the database file.
package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/broadcast"
	"github.com/hyperengineering/pulse/internal/local/migrations"
)

const (
	adapterName   = "local"
	schemaVersion = "1"
	tablePrefix   = "table:"
)

// ErrStoreClosed is returned when operating on a closed store.
var ErrStoreClosed = errors.New("local store is closed")

// goose configuration is global.
var migrateMu sync.Mutex

// Option configures a Store.
type Option func(*Store)

// WithBus publishes a TABLE_CHANGE message after every mutation and lets
// subscriptions react to messages from other processes.
func WithBus(bus broadcast.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPollInterval sets the subscription diff period. Defaults to 250ms.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// Store manages the local SQLite database.
type Store struct {
	db           *sql.DB
	path         string
	origin       string
	bus          broadcast.Bus
	logger       *zap.Logger
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool

	subsMu  sync.Mutex
	subs    map[int]*subscription
	nextSub int
}

// Open opens or creates a local store at path.
func Open(path string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{
		db:           db,
		path:         path,
		origin:       broadcast.NewOrigin(),
		logger:       zap.NewNop(),
		pollInterval: 250 * time.Millisecond,
		subs:         make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("local: set goose dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("local: run migrations: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)`, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Origin identifies this store's broadcasts.
func (s *Store) Origin() string { return s.origin }

// Name implements pulse.Transport.
func (s *Store) Name() string { return adapterName }

// Close stops subscriptions and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[int]*subscription)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return s.db.Close()
}

// Get returns the raw value stored under key.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrStoreClosed
	}
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("local: get %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.put(ctx, s.db, key, value)
}

// GetJSON decodes the value under key into v. A missing key leaves v untouched.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("local: decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v under key.
func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("local: encode %q: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("local: set %q: %w", key, err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readTable loads a table's rows. A missing or corrupt value reads as empty.
func (s *Store) readTable(ctx context.Context, db queryer, table string) ([]pulse.Row, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, tablePrefix+table).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []pulse.Row
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		s.logger.Warn("discarding corrupt local table", zap.String("table", table), zap.Error(err))
		return nil, nil
	}
	return rows, nil
}

func (s *Store) transportErr(op, table string, err error) error {
	return &pulse.TransportError{Adapter: adapterName, Op: op, Table: table, Err: err}
}

// guard converts a panic inside an adapter call into a *pulse.TransportError.
func (s *Store) guard(op, table string, err *error) {
	if r := recover(); r != nil {
		*err = s.transportErr(op, table, fmt.Errorf("panic: %v", r))
	}
}

// Query implements pulse.Transport.
func (s *Store) Query(ctx context.Context, table string, q pulse.Query) (rows []pulse.Row, err error) {
	defer s.guard("query", table, &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.transportErr("query", table, ErrStoreClosed)
	}
	all, err := s.readTable(ctx, s.db, table)
	if err != nil {
		return nil, s.transportErr("query", table, err)
	}
	return pulse.ApplyQuery(all, q), nil
}

// mutate runs a read-modify-write of one table inside a transaction, then
// announces the change.
func (s *Store) mutate(ctx context.Context, op, table string, action pulse.Action, fn func([]pulse.Row) (next, changed []pulse.Row, err error)) (changed []pulse.Row, err error) {
	defer s.guard(op, table, &err)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.transportErr(op, table, ErrStoreClosed)
	}
	next, changed, err := s.mutateLocked(ctx, table, fn)
	s.mu.Unlock()
	if err != nil {
		return nil, s.transportErr(op, table, err)
	}

	s.announce(ctx, table, action, next, changed)
	return changed, nil
}

func (s *Store) mutateLocked(ctx context.Context, table string, fn func([]pulse.Row) ([]pulse.Row, []pulse.Row, error)) ([]pulse.Row, []pulse.Row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	current, err := s.readTable(ctx, tx, table)
	if err != nil {
		return nil, nil, err
	}
	next, changed, err := fn(current)
	if err != nil {
		return nil, nil, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return nil, nil, fmt.Errorf("encode table: %w", err)
	}
	if err := s.put(ctx, tx, tablePrefix+table, string(data)); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return next, changed, nil
}

// Insert implements pulse.Transport. Rows are appended as given.
func (s *Store) Insert(ctx context.Context, table string, rows ...pulse.Row) ([]pulse.Row, error) {
	return s.mutate(ctx, "insert", table, pulse.ActionInsert, func(current []pulse.Row) ([]pulse.Row, []pulse.Row, error) {
		added := make([]pulse.Row, len(rows))
		for i, r := range rows {
			added[i] = normalize(r)
		}
		return append(current, added...), added, nil
	})
}

// Upsert implements pulse.Transport: rows with the same id are removed
// and the new row appended.
func (s *Store) Upsert(ctx context.Context, table string, row pulse.Row) (pulse.Row, error) {
	if row.ID() == "" {
		return nil, s.transportErr("upsert", table, errors.New("row has no id"))
	}
	changed, err := s.mutate(ctx, "upsert", table, pulse.ActionUpsert, func(current []pulse.Row) ([]pulse.Row, []pulse.Row, error) {
		r := normalize(row)
		next := make([]pulse.Row, 0, len(current)+1)
		for _, c := range current {
			if c.ID() != r.ID() {
				next = append(next, c)
			}
		}
		return append(next, r), []pulse.Row{r}, nil
	})
	if err != nil {
		return nil, err
	}
	return changed[0], nil
}

// Update implements pulse.Transport.
func (s *Store) Update(ctx context.Context, table string, patch pulse.Row, filters ...pulse.Filter) ([]pulse.Row, error) {
	p := normalize(patch)
	return s.mutate(ctx, "update", table, pulse.ActionUpdate, func(current []pulse.Row) ([]pulse.Row, []pulse.Row, error) {
		var changed []pulse.Row
		for i, c := range current {
			if !pulse.MatchRow(c, filters...) {
				continue
			}
			n := c.Clone()
			for k, v := range p {
				n[k] = v
			}
			current[i] = n
			changed = append(changed, n)
		}
		return current, changed, nil
	})
}

// Delete implements pulse.Transport.
func (s *Store) Delete(ctx context.Context, table string, filters ...pulse.Filter) error {
	_, err := s.mutate(ctx, "delete", table, pulse.ActionDelete, func(current []pulse.Row) ([]pulse.Row, []pulse.Row, error) {
		var kept, removed []pulse.Row
		for _, c := range current {
			if pulse.MatchRow(c, filters...) {
				removed = append(removed, c)
			} else {
				kept = append(kept, c)
			}
		}
		return kept, removed, nil
	})
	return err
}

// normalize round-trips a row through JSON so values compare the same as
// rows read back from disk.
func normalize(r pulse.Row) pulse.Row {
	data, err := json.Marshal(r)
	if err != nil {
		return r.Clone()
	}
	var out pulse.Row
	if err := json.Unmarshal(data, &out); err != nil {
		return r.Clone()
	}
	return out
}

// announce advances this store's own subscription baselines, notifies them,
// and publishes the change for other processes.
func (s *Store) announce(ctx context.Context, table string, action pulse.Action, next, changed []pulse.Row) {
	s.subsMu.Lock()
	var mine []*subscription
	for _, sub := range s.subs {
		if sub.table == table {
			mine = append(mine, sub)
		}
	}
	s.subsMu.Unlock()

	for _, sub := range mine {
		sub.advance(next, changed, action)
	}

	if s.bus == nil {
		return
	}
	m := broadcast.NewMessage(broadcast.TypeTableChange, "", changed)
	m.Table = table
	m.Action = string(action)
	m.Origin = s.origin
	if err := s.bus.Publish(context.WithoutCancel(ctx), m); err != nil {
		s.logger.Debug("local broadcast failed", zap.String("table", table), zap.Error(err))
	}
}
