package backend_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/backend"
	"github.com/hyperengineering/pulse/internal/memory"
)

func newServer(t *testing.T) (*httptest.Server, *memory.Transport) {
	t.Helper()
	store := memory.New("backend")
	srv := httptest.NewServer(backend.New(store, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url, body string, header map[string]string) (*http.Response, []pulse.Row) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rows []pulse.Row
	if resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp, rows
}

func TestServer_CRUD(t *testing.T) {
	srv, store := newServer(t)
	base := srv.URL + "/rest/v1/student_entries"

	resp, rows := do(t, http.MethodPost, base, `[{"id":"e1","sessionId":"s1","taskNumber":1},{"id":"e2","sessionId":"s1","taskNumber":2}]`, nil)
	if resp.StatusCode != http.StatusCreated || len(rows) != 2 {
		t.Fatalf("insert = %d %v", resp.StatusCode, rows)
	}

	resp, _ = do(t, http.MethodPost, base, `{"id":"e1"}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate insert status = %d, want 409", resp.StatusCode)
	}

	resp, rows = do(t, http.MethodPost, base, `[{"id":"e1","sessionId":"s1","taskNumber":3}]`,
		map[string]string{"Prefer": "resolution=merge-duplicates,return=representation"})
	if resp.StatusCode != http.StatusCreated || len(rows) != 1 {
		t.Fatalf("upsert = %d %v", resp.StatusCode, rows)
	}

	_, rows = do(t, http.MethodGet, base+"?select=*&sessionId=eq.s1&order=taskNumber.desc&limit=1", "", nil)
	if len(rows) != 1 || rows[0].ID() != "e1" {
		t.Errorf("query = %v, want [e1]", rows)
	}

	resp, rows = do(t, http.MethodPatch, base+"?id=eq.e2", `{"content":"edited"}`, nil)
	if resp.StatusCode != http.StatusOK || len(rows) != 1 || rows[0]["content"] != "edited" {
		t.Errorf("update = %d %v", resp.StatusCode, rows)
	}

	resp, _ = do(t, http.MethodDelete, base, "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unfiltered delete status = %d, want 400", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, base+"?sessionId=eq.s1", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	if n := len(store.Rows(pulse.TableEntries)); n != 0 {
		t.Errorf("rows after delete = %d, want 0", n)
	}
}

func TestServer_UnknownTable(t *testing.T) {
	srv, _ := newServer(t)
	resp, _ := do(t, http.MethodGet, srv.URL+"/rest/v1/users", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_BadParams(t *testing.T) {
	srv, _ := newServer(t)
	tests := []struct {
		name string
		url  string
	}{
		{"bad limit", "/rest/v1/sessions?limit=x"},
		{"bad operator", "/rest/v1/sessions?session_id=gt.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodGet, srv.URL+tt.url, "", nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestServer_StoreFailure(t *testing.T) {
	srv, store := newServer(t)
	store.SetFailure(http.ErrHandlerTimeout)

	resp, _ := do(t, http.MethodGet, srv.URL+"/rest/v1/sessions", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
