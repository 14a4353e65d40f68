// Package pgstore implements pulse.Transport on PostgreSQL, storing every
// table's rows as JSONB documents and announcing changes with
// LISTEN/NOTIFY. The backend emulator uses it for durable storage.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/pgstore/migrations"
)

const (
	adapterName   = "postgres"
	notifyChannel = "pulse_changes"
	// pg_notify payloads must stay under 8000 bytes.
	maxPayload = 7000
)

// Store is a pulse.Transport over a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu       sync.Mutex
	subs     map[int]*subscription
	nextSub  int
	listener context.CancelFunc
	wg       sync.WaitGroup
}

// Open connects to dsn, verifies it, and applies migrations.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL table store ready")
	return &Store{pool: pool, logger: logger, subs: make(map[int]*subscription)}, nil
}

func migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pgstore: set goose dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("pgstore: run migrations: %w", err)
	}
	return nil
}

// Close stops the listener and closes the pool.
func (s *Store) Close() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener()
		s.listener = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.pool.Close()
}

// Name implements pulse.Transport.
func (s *Store) Name() string { return adapterName }

func transportErr(op, table string, err error) error {
	status := 0
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		status = http.StatusConflict
	}
	return &pulse.TransportError{Adapter: adapterName, Op: op, Table: table, StatusCode: status, Err: err}
}

func guard(op, table string, err *error) {
	if r := recover(); r != nil {
		*err = transportErr(op, table, fmt.Errorf("panic: %v", r))
	}
}

// whereClause renders filters against doc columns. Values compare in the
// canonical text form of pulse.ValueString; a missing key reads as "null".
func whereClause(table string, filters []pulse.Filter) (string, []any) {
	clauses := []string{"tbl = $1"}
	args := []any{table}
	for _, f := range filters {
		args = append(args, f.Column, pulse.ValueString(f.Value))
		col := "$" + strconv.Itoa(len(args)-1)
		val := "$" + strconv.Itoa(len(args))
		op := "="
		if f.Op == pulse.OpNeq {
			op = "<>"
		}
		clauses = append(clauses, fmt.Sprintf("COALESCE(doc->>%s::text, 'null') %s %s::text", col, op, val))
	}
	return strings.Join(clauses, " AND "), args
}

// buildQuery renders a select for q.
func buildQuery(table string, q pulse.Query) (string, []any) {
	where, args := whereClause(table, q.Filters)
	sql := "SELECT doc FROM pulse_rows WHERE " + where
	if q.Order != nil {
		args = append(args, q.Order.Column)
		dir := "ASC NULLS FIRST"
		if q.Order.Descending {
			dir = "DESC NULLS LAST"
		}
		sql += fmt.Sprintf(" ORDER BY doc->$%d::text %s, seq", len(args), dir)
	} else {
		sql += " ORDER BY seq"
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sql, args
}

func collectDocs(rows pgx.Rows) ([]pulse.Row, error) {
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (pulse.Row, error) {
		var raw []byte
		if err := r.Scan(&raw); err != nil {
			return nil, err
		}
		var doc pulse.Row
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
}

// Query implements pulse.Transport.
func (s *Store) Query(ctx context.Context, table string, q pulse.Query) (out []pulse.Row, err error) {
	defer guard("query", table, &err)

	sql, args := buildQuery(table, q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, transportErr("query", table, err)
	}
	out, err = collectDocs(rows)
	if err != nil {
		return nil, transportErr("query", table, err)
	}
	return out, nil
}

// inTx runs fn in a transaction and announces the returned rows.
func (s *Store) inTx(ctx context.Context, op, table string, action pulse.Action, fn func(pgx.Tx) ([]pulse.Row, error)) ([]pulse.Row, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, transportErr(op, table, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	changed, err := fn(tx)
	if err != nil {
		return nil, transportErr(op, table, err)
	}
	if len(changed) > 0 {
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, notification(table, action, changed)); err != nil {
			return nil, transportErr(op, table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, transportErr(op, table, err)
	}
	return changed, nil
}

type notice struct {
	Table  string      `json:"table"`
	Action string      `json:"action"`
	Rows   []pulse.Row `json:"rows,omitempty"`
}

func notification(table string, action pulse.Action, rows []pulse.Row) string {
	data, err := json.Marshal(notice{Table: table, Action: string(action), Rows: rows})
	if err != nil || len(data) > maxPayload {
		data, _ = json.Marshal(notice{Table: table, Action: string(action)})
	}
	return string(data)
}

// Insert implements pulse.Transport. Rows without an id get a ULID.
func (s *Store) Insert(ctx context.Context, table string, rows ...pulse.Row) (out []pulse.Row, err error) {
	defer guard("insert", table, &err)

	return s.inTx(ctx, "insert", table, pulse.ActionInsert, func(tx pgx.Tx) ([]pulse.Row, error) {
		inserted := make([]pulse.Row, 0, len(rows))
		for _, r := range rows {
			r = r.Clone()
			if r.ID() == "" {
				r["id"] = ulid.Make().String()
			}
			doc, err := json.Marshal(r)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx, "INSERT INTO pulse_rows (tbl, id, doc) VALUES ($1, $2, $3)", table, r.ID(), doc); err != nil {
				return nil, err
			}
			inserted = append(inserted, r)
		}
		return inserted, nil
	})
}

// Upsert implements pulse.Transport.
func (s *Store) Upsert(ctx context.Context, table string, row pulse.Row) (out pulse.Row, err error) {
	defer guard("upsert", table, &err)

	if row.ID() == "" {
		return nil, &pulse.TransportError{Adapter: adapterName, Op: "upsert", Table: table, StatusCode: http.StatusBadRequest, Err: errors.New("row has no id")}
	}
	changed, err := s.inTx(ctx, "upsert", table, pulse.ActionUpsert, func(tx pgx.Tx) ([]pulse.Row, error) {
		doc, err := json.Marshal(row)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO pulse_rows (tbl, id, doc) VALUES ($1, $2, $3)
			ON CONFLICT (tbl, id) DO UPDATE
			SET doc = excluded.doc,
			    seq = nextval(pg_get_serial_sequence('pulse_rows', 'seq')),
			    updated_at = now()
		`, table, row.ID(), doc)
		if err != nil {
			return nil, err
		}
		return []pulse.Row{row.Clone()}, nil
	})
	if err != nil {
		return nil, err
	}
	return changed[0], nil
}

// Update implements pulse.Transport.
func (s *Store) Update(ctx context.Context, table string, patch pulse.Row, filters ...pulse.Filter) (out []pulse.Row, err error) {
	defer guard("update", table, &err)

	return s.inTx(ctx, "update", table, pulse.ActionUpdate, func(tx pgx.Tx) ([]pulse.Row, error) {
		where, args := whereClause(table, filters)
		doc, err := json.Marshal(patch)
		if err != nil {
			return nil, err
		}
		args = append(args, doc)
		sql := fmt.Sprintf("UPDATE pulse_rows SET doc = doc || $%d::jsonb, updated_at = now() WHERE %s RETURNING doc", len(args), where)
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		return collectDocs(rows)
	})
}

// Delete implements pulse.Transport.
func (s *Store) Delete(ctx context.Context, table string, filters ...pulse.Filter) (err error) {
	defer guard("delete", table, &err)

	_, err = s.inTx(ctx, "delete", table, pulse.ActionDelete, func(tx pgx.Tx) ([]pulse.Row, error) {
		where, args := whereClause(table, filters)
		rows, err := tx.Query(ctx, "DELETE FROM pulse_rows WHERE "+where+" RETURNING doc", args...)
		if err != nil {
			return nil, err
		}
		return collectDocs(rows)
	})
	return err
}
