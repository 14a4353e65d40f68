// Package backend serves the realtime backend contract over any
// pulse.Transport: the PostgREST-style REST API and the websocket change
// feed that internal/remote speaks. It is the local stand-in for the
// hosted service.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/remote"
)

// Tables lists the tables the backend serves.
var Tables = []string{pulse.TableSessions, pulse.TableEntries}

// Server exposes a transport over HTTP.
type Server struct {
	store    pulse.Transport
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New creates a server backed by store.
func New(store pulse.Transport, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/rest/v1", func(r chi.Router) {
		r.Get("/", s.health)
		r.Route("/{table}", func(r chi.Router) {
			r.Use(s.knownTable)
			r.Get("/", s.query)
			r.Post("/", s.insert)
			r.Patch("/", s.update)
			r.Delete("/", s.delete)
		})
	})
	r.Get(remote.RealtimePath, s.realtime)
	return r
}

// ListenAndServe runs the server until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("client_ip", r.RemoteAddr),
		)
	})
}

func (s *Server) knownTable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		for _, t := range Tables {
			if t == table {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusNotFound, fmt.Sprintf("relation %q does not exist", table))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, remote.HealthResponse{Status: "ok", Tables: Tables})
}

// parseParams splits PostgREST query parameters into filters and options.
func parseParams(r *http.Request) (pulse.Query, error) {
	var q pulse.Query
	for key, values := range r.URL.Query() {
		switch key {
		case "select", "apikey":
			continue
		case "order":
			col, dir, _ := strings.Cut(values[0], ".")
			q.Order = &pulse.Order{Column: col, Descending: dir == "desc"}
		case "limit":
			n, err := strconv.Atoi(values[0])
			if err != nil || n < 0 {
				return q, fmt.Errorf("invalid limit %q", values[0])
			}
			q.Limit = n
		default:
			for _, v := range values {
				f, err := pulse.ParseFilter(key + "=" + v)
				if err != nil {
					return q, err
				}
				q.Filters = append(q.Filters, f)
			}
		}
	}
	return q, nil
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q, err := parseParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.store.Query(r.Context(), table, q)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeRows(w, http.StatusOK, rows)
}

// decodeRows accepts a JSON object or array body.
func decodeRows(body io.Reader) ([]pulse.Row, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var rows []pulse.Row
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	var row pulse.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return []pulse.Row{row}, nil
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	rows, err := decodeRows(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if strings.Contains(r.Header.Get("Prefer"), "resolution=merge-duplicates") {
		out := make([]pulse.Row, 0, len(rows))
		for _, row := range rows {
			saved, err := s.store.Upsert(r.Context(), table, row)
			if err != nil {
				s.writeStoreError(w, err)
				return
			}
			out = append(out, saved)
		}
		writeRows(w, http.StatusCreated, out)
		return
	}

	out, err := s.store.Insert(r.Context(), table, rows...)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeRows(w, http.StatusCreated, out)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q, err := parseParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var patch pulse.Row
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	out, err := s.store.Update(r.Context(), table, patch, q.Filters...)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeRows(w, http.StatusOK, out)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q, err := parseParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(q.Filters) == 0 {
		writeError(w, http.StatusBadRequest, "DELETE requires a filter")
		return
	}
	if err := s.store.Delete(r.Context(), table, q.Filters...); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var te *pulse.TransportError
	if errors.As(err, &te) && te.StatusCode >= 400 {
		status = te.StatusCode
	}
	s.logger.Warn("store error", zap.Int("status", status), zap.Error(err))
	writeError(w, status, err.Error())
}

func writeRows(w http.ResponseWriter, status int, rows []pulse.Row) {
	if rows == nil {
		rows = []pulse.Row{}
	}
	writeJSON(w, status, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
