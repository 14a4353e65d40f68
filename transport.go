package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row is one record as exchanged with a transport: a JSON object keyed by
// wire column names.
type Row map[string]any

// ID returns the row's "id" column as a string, or "".
func (r Row) ID() string {
	if r == nil {
		return ""
	}
	if v, ok := r["id"]; ok && v != nil {
		return ValueString(v)
	}
	return ""
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FilterOp is a column comparison understood by every transport.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNeq FilterOp = "neq"
)

// Filter restricts a query or mutation to rows whose column matches a value.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

// Eq returns a filter matching rows where column equals value.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Neq returns a filter matching rows where column differs from value.
func Neq(column string, value any) Filter {
	return Filter{Column: column, Op: OpNeq, Value: value}
}

// String renders the filter in PostgREST form, e.g. "session_id=eq.abc".
func (f Filter) String() string {
	return fmt.Sprintf("%s=%s.%s", f.Column, f.Op, ValueString(f.Value))
}

// ParseFilter parses the PostgREST form produced by Filter.String.
func ParseFilter(s string) (Filter, error) {
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("parse filter %q: missing column", s)
	}
	op, val, ok := strings.Cut(rest, ".")
	if !ok {
		return Filter{}, fmt.Errorf("parse filter %q: missing operator", s)
	}
	switch FilterOp(op) {
	case OpEq, OpNeq:
	default:
		return Filter{}, fmt.Errorf("parse filter %q: unsupported operator %q", s, op)
	}
	return Filter{Column: col, Op: FilterOp(op), Value: val}, nil
}

// Match reports whether the row satisfies the filter.
func (f Filter) Match(r Row) bool {
	got := ValueString(r[f.Column])
	want := ValueString(f.Value)
	if f.Op == OpNeq {
		return got != want
	}
	return got == want
}

// Order sorts query results on a single column.
type Order struct {
	Column     string
	Descending bool
}

// Query selects rows from a table. Filters are ANDed.
type Query struct {
	Filters []Filter
	Order   *Order
	Limit   int
}

// Action names the kind of change a transport reports.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionUpsert Action = "UPSERT"
	ActionDelete Action = "DELETE"
	ActionSync   Action = "SYNC"
)

// Change is a push notification from a transport. Delivery is
// at-least-once and may be redundant; receivers re-query rather than apply.
type Change struct {
	Table  string
	Action Action
	Rows   []Row
}

// Transport is the uniform CRUD and subscribe surface over the remote
// backend and the local store. Implementations return *TransportError for
// every failure and never panic past the call boundary.
type Transport interface {
	// Name identifies the adapter in logs and errors.
	Name() string
	Query(ctx context.Context, table string, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, rows ...Row) ([]Row, error)
	// Upsert replaces any row with the same "id".
	Upsert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, patch Row, filters ...Filter) ([]Row, error)
	Delete(ctx context.Context, table string, filters ...Filter) error
	// Subscribe calls onChange for changes to table matching filter (nil
	// means all rows) until unsubscribe is called or ctx ends.
	Subscribe(ctx context.Context, table string, filter *Filter, onChange func(Change)) (unsubscribe func(), err error)
}

// MatchRow reports whether the row satisfies every filter.
func MatchRow(r Row, filters ...Filter) bool {
	for _, f := range filters {
		if !f.Match(r) {
			return false
		}
	}
	return true
}

// ApplyQuery filters, orders and limits rows in memory. Input is not modified.
func ApplyQuery(rows []Row, q Query) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if MatchRow(r, q.Filters...) {
			out = append(out, r.Clone())
		}
	}
	if q.Order != nil {
		col, desc := q.Order.Column, q.Order.Descending
		sort.SliceStable(out, func(i, j int) bool {
			c := CompareValues(out[i][col], out[j][col])
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// ValueString renders a column value in the canonical text form used for
// filter comparison, so 1, 1.0 and "1" compare equal.
func ValueString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return x.String()
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// CompareValues orders two column values: numerically when both are
// numbers, chronologically when both parse as RFC 3339 instants, and
// lexically otherwise. nil sorts first.
func CompareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmpFloat(fa, fb)
		}
	}
	sa, sb := ValueString(a), ValueString(b)
	if ta, err := time.Parse(time.RFC3339Nano, sa); err == nil {
		if tb, err := time.Parse(time.RFC3339Nano, sb); err == nil {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(sa, sb)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		if math.IsNaN(x) {
			return 0, false
		}
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// Row returns the wire form of the session.
func (s Session) Row() Row {
	return toRow(s)
}

// Row returns the wire form of the entry. Kind is always written.
func (e Entry) Row() Row {
	if e.Kind == "" {
		e.Kind = KindSubmission
	}
	return toRow(e)
}

// SessionFromRow decodes a session row. Malformed or incomplete rows
// return *DataError and must be treated as absent.
func SessionFromRow(r Row) (Session, error) {
	var s Session
	if err := fromRow(r, &s); err != nil {
		return Session{}, &DataError{Table: TableSessions, ID: r.ID(), Field: "row", Err: err}
	}
	switch {
	case s.ID == "":
		return Session{}, &DataError{Table: TableSessions, Field: "id", Err: errMissing}
	case s.SessionID == "":
		return Session{}, &DataError{Table: TableSessions, ID: s.ID, Field: "session_id", Err: errMissing}
	case s.Question == "":
		return Session{}, &DataError{Table: TableSessions, ID: s.ID, Field: "question", Err: errMissing}
	}
	return s, nil
}

// EntryFromRow decodes an entry row. An absent "type" decodes as a
// submission. Malformed or incomplete rows return *DataError.
func EntryFromRow(r Row) (Entry, error) {
	var e Entry
	if err := fromRow(r, &e); err != nil {
		return Entry{}, &DataError{Table: TableEntries, ID: r.ID(), Field: "row", Err: err}
	}
	switch {
	case e.ID == "":
		return Entry{}, &DataError{Table: TableEntries, Field: "id", Err: errMissing}
	case e.SessionID == "":
		return Entry{}, &DataError{Table: TableEntries, ID: e.ID, Field: "sessionId", Err: errMissing}
	case e.ParticipantName == "":
		return Entry{}, &DataError{Table: TableEntries, ID: e.ID, Field: "student_name", Err: errMissing}
	case e.Timestamp.IsZero():
		return Entry{}, &DataError{Table: TableEntries, ID: e.ID, Field: "timestamp", Err: errMissing}
	}
	if e.Kind == "" {
		e.Kind = KindSubmission
	}
	return e, nil
}

var errMissing = errors.New("missing required value")

func toRow(v any) Row {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var r Row
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return r
}

func fromRow(r Row, v any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SessionsFromRows decodes rows, skipping malformed ones. The returned
// errors describe each skipped row.
func SessionsFromRows(rows []Row) ([]Session, []error) {
	out := make([]Session, 0, len(rows))
	var errs []error
	for _, r := range rows {
		s, err := SessionFromRow(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	return out, errs
}

// EntriesFromRows decodes rows, skipping malformed ones.
func EntriesFromRows(rows []Row) ([]Entry, []error) {
	out := make([]Entry, 0, len(rows))
	var errs []error
	for _, r := range rows {
		e, err := EntryFromRow(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errs
}
