// Package remote implements the pulse.Transport for the hosted realtime
// backend: a PostgREST-style REST API plus a websocket change feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperengineering/pulse"
)

const adapterName = "remote"

// HTTPClient implements pulse.Transport against the backend.
// It is safe for concurrent use. Failures are returned immediately; the
// caller decides whether to fall back or retry.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates a new backend client.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    10 * time.Second,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom transports).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithTimeout bounds every call, including feed dials.
func (c *HTTPClient) WithTimeout(d time.Duration) *HTTPClient {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithLogger sets the logger.
func (c *HTTPClient) WithLogger(logger *zap.Logger) *HTTPClient {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Name implements pulse.Transport.
func (c *HTTPClient) Name() string { return adapterName }

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", "pulse-client/1.0")
	req.Header.Set("Accept", "application/json")
}

func newTransportError(op, table string, statusCode int, body []byte) *pulse.TransportError {
	msg := ""
	if len(body) > 0 && statusCode >= 400 {
		if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	return &pulse.TransportError{
		Adapter:    adapterName,
		Op:         op,
		Table:      table,
		StatusCode: statusCode,
		Err:        fmt.Errorf("HTTP %d: %s", statusCode, msg),
	}
}

func wrapErr(op, table string, err error) *pulse.TransportError {
	return &pulse.TransportError{Adapter: adapterName, Op: op, Table: table, Err: err}
}

func guard(op, table string, err *error) {
	if r := recover(); r != nil {
		*err = wrapErr(op, table, fmt.Errorf("panic: %v", r))
	}
}

// filterValues renders filters as PostgREST query parameters.
func filterValues(filters []pulse.Filter) url.Values {
	v := url.Values{}
	for _, f := range filters {
		v.Add(f.Column, string(f.Op)+"."+pulse.ValueString(f.Value))
	}
	return v
}

func (c *HTTPClient) tableURL(table string, params url.Values) string {
	u := c.baseURL + RestPath + url.PathEscape(table)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// do sends one request and decodes a JSON array response into rows when
// out is non-nil.
func (c *HTTPClient) do(ctx context.Context, op, table, method, target string, body any, prefer string, out *[]pulse.Row) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return wrapErr(op, table, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return wrapErr(op, table, err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	c.logger.Debug("request", zap.String("method", method), zap.String("url", target), zap.Int("bytes", len(payload)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapErr(op, table, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return newTransportError(op, table, resp.StatusCode, respBody)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return wrapErr(op, table, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Health probes the REST root.
func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+RestPath, nil)
	if err != nil {
		return nil, wrapErr("health", "", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapErr("health", "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, newTransportError("health", "", resp.StatusCode, body)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		health.Status = "ok"
	}
	return &health, nil
}

// Query implements pulse.Transport.
func (c *HTTPClient) Query(ctx context.Context, table string, q pulse.Query) (rows []pulse.Row, err error) {
	defer guard("query", table, &err)

	params := filterValues(q.Filters)
	params.Set("select", "*")
	if q.Order != nil {
		dir := "asc"
		if q.Order.Descending {
			dir = "desc"
		}
		params.Set("order", q.Order.Column+"."+dir)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	if err := c.do(ctx, "query", table, http.MethodGet, c.tableURL(table, params), nil, "", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert implements pulse.Transport.
func (c *HTTPClient) Insert(ctx context.Context, table string, rows ...pulse.Row) (out []pulse.Row, err error) {
	defer guard("insert", table, &err)

	if rows == nil {
		rows = []pulse.Row{}
	}
	if err := c.do(ctx, "insert", table, http.MethodPost, c.tableURL(table, nil), rows, "return=representation", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert implements pulse.Transport.
func (c *HTTPClient) Upsert(ctx context.Context, table string, row pulse.Row) (out pulse.Row, err error) {
	defer guard("upsert", table, &err)

	var rows []pulse.Row
	if err := c.do(ctx, "upsert", table, http.MethodPost, c.tableURL(table, nil), []pulse.Row{row}, "resolution=merge-duplicates,return=representation", &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return row.Clone(), nil
	}
	return rows[0], nil
}

// Update implements pulse.Transport.
func (c *HTTPClient) Update(ctx context.Context, table string, patch pulse.Row, filters ...pulse.Filter) (out []pulse.Row, err error) {
	defer guard("update", table, &err)

	if err := c.do(ctx, "update", table, http.MethodPatch, c.tableURL(table, filterValues(filters)), patch, "return=representation", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete implements pulse.Transport.
func (c *HTTPClient) Delete(ctx context.Context, table string, filters ...pulse.Filter) (err error) {
	defer guard("delete", table, &err)

	return c.do(ctx, "delete", table, http.MethodDelete, c.tableURL(table, filterValues(filters)), nil, "", nil)
}
