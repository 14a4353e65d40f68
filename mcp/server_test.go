package mcp_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/broadcast"
	"github.com/hyperengineering/pulse/internal/memory"
	pulsemcp "github.com/hyperengineering/pulse/mcp"
)

const session = "mcp-class"

type fixture struct {
	remote *memory.Transport
	local  *memory.Transport
	bus    broadcast.Bus
}

func newFixture() *fixture {
	return &fixture{remote: memory.New("remote"), local: memory.New("local"), bus: broadcast.NewLocal()}
}

func (f *fixture) server(t *testing.T, role pulse.Role) (*pulsemcp.Server, *pulse.SyncContext) {
	t.Helper()
	sc, err := pulse.New(pulse.Config{
		SessionID:      session,
		Role:           role,
		DataDir:        t.TempDir(),
		NetworkTimeout: time.Second,
		Intervals:      pulse.Intervals{SubmittedHold: 50 * time.Millisecond},
	}, pulse.Deps{Remote: f.remote, Local: f.local, Bus: f.bus})
	if err != nil {
		t.Fatalf("pulse.New(%s) returned error: %v", role, err)
	}
	t.Cleanup(func() { _ = sc.Close() })
	return pulsemcp.NewServer(sc), sc
}

func call(t *testing.T, s *pulsemcp.Server, name string, args map[string]any) *pulsemcp.ToolResult {
	t.Helper()
	result, err := s.CallTool(context.Background(), name, args)
	if err != nil {
		t.Fatalf("CallTool(%s) returned error: %v", name, err)
	}
	return result
}

// =============================================================================
// Server Initialization Tests
// =============================================================================

func TestServer_ToolsList(t *testing.T) {
	server, _ := newFixture().server(t, pulse.RoleCoordinator)
	tools := server.ListTools()

	expected := []string{
		"pulse_status", "pulse_start_task", "pulse_stop_task", "pulse_clear_session",
		"pulse_join", "pulse_submit", "pulse_entries", "pulse_presence", "pulse_sync",
	}
	if len(tools) != len(expected) {
		t.Errorf("ListTools() returned %d tools, want %d", len(tools), len(expected))
	}
	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name] = true
		if tool.Description == "" {
			t.Errorf("tool %q has no description", tool.Name)
		}
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestServer_UnknownTool(t *testing.T) {
	server, _ := newFixture().server(t, pulse.RoleCoordinator)
	result := call(t, server, "pulse_nope", nil)
	if !result.IsError {
		t.Error("unknown tool should return an error result")
	}
}

// =============================================================================
// Coordinator Tools
// =============================================================================

func TestServer_TaskLifecycle(t *testing.T) {
	f := newFixture()
	server, sc := f.server(t, pulse.RoleCoordinator)

	result := call(t, server, "pulse_start_task", map[string]any{
		"question": "One word for today?",
		"activity": "wordcloud",
	})
	if result.IsError {
		t.Fatalf("pulse_start_task error: %s", result.Content)
	}
	if !strings.Contains(result.Content, "Started task 1") {
		t.Errorf("start result = %q, want task 1", result.Content)
	}

	status := call(t, server, "pulse_status", nil)
	if !strings.Contains(status.Content, "Active task 1 (wordcloud): One word for today?") {
		t.Errorf("status = %q, want active task", status.Content)
	}

	again := call(t, server, "pulse_start_task", map[string]any{"question": "Another"})
	if !again.IsError {
		t.Error("starting a second task while one is active should fail")
	}

	stop := call(t, server, "pulse_stop_task", nil)
	if stop.IsError {
		t.Fatalf("pulse_stop_task error: %s", stop.Content)
	}
	if a := sc.Store().Active(); a != nil {
		t.Errorf("Active() after stop = %+v, want nil", a)
	}
	if n := sc.Store().NextTaskNumber(); n != 2 {
		t.Errorf("NextTaskNumber() = %d, want 2", n)
	}
}

func TestServer_StartTask_Validation(t *testing.T) {
	server, _ := newFixture().server(t, pulse.RoleCoordinator)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing question", map[string]any{}},
		{"blank question", map[string]any{"question": "   "}},
		{"unknown activity", map[string]any{"question": "Q", "activity": "poll"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := call(t, server, "pulse_start_task", tt.args); !result.IsError {
				t.Errorf("pulse_start_task(%v) should fail, got %q", tt.args, result.Content)
			}
		})
	}
}

func TestServer_ClearSession_RequiresConfirm(t *testing.T) {
	f := newFixture()
	server, _ := f.server(t, pulse.RoleCoordinator)
	call(t, server, "pulse_start_task", map[string]any{"question": "Q"})

	if result := call(t, server, "pulse_clear_session", map[string]any{}); !result.IsError {
		t.Error("clear without confirm should fail")
	}
	if n := len(f.remote.Rows(pulse.TableSessions)); n != 1 {
		t.Fatalf("remote sessions = %d, want 1 before clear", n)
	}

	result := call(t, server, "pulse_clear_session", map[string]any{"confirm": true})
	if result.IsError {
		t.Fatalf("pulse_clear_session error: %s", result.Content)
	}
	if n := len(f.remote.Rows(pulse.TableSessions)); n != 0 {
		t.Errorf("remote sessions = %d, want 0 after clear", n)
	}
}

// =============================================================================
// Participant Tools
// =============================================================================

func TestServer_JoinSubmitEntries(t *testing.T) {
	f := newFixture()
	coord, _ := f.server(t, pulse.RoleCoordinator)
	student, _ := f.server(t, pulse.RoleParticipant)

	if result := call(t, student, "pulse_submit", map[string]any{"content": "early"}); !result.IsError {
		t.Error("submit before join should fail")
	}

	join := call(t, student, "pulse_join", map[string]any{"name": "Ada"})
	if join.IsError {
		t.Fatalf("pulse_join error: %s", join.Content)
	}
	if !strings.Contains(join.Content, "Waiting for the coordinator") {
		t.Errorf("join result = %q, want waiting note", join.Content)
	}

	call(t, coord, "pulse_start_task", map[string]any{"question": "Favourite colour?", "activity": "wordcloud"})

	if result := call(t, student, "pulse_submit", map[string]any{"content": "two words"}); !result.IsError {
		t.Error("multi-word answer to a word cloud should fail")
	}
	submit := call(t, student, "pulse_submit", map[string]any{"content": "Blue"})
	if submit.IsError {
		t.Fatalf("pulse_submit error: %s", submit.Content)
	}

	entries := call(t, coord, "pulse_entries", nil)
	if entries.IsError {
		t.Fatalf("pulse_entries error: %s", entries.Content)
	}
	for _, want := range []string{"1 answers", "Ada: Blue", "blue: 1"} {
		if !strings.Contains(entries.Content, want) {
			t.Errorf("entries = %q, want it to contain %q", entries.Content, want)
		}
	}

	presence := call(t, coord, "pulse_presence", nil)
	if !strings.Contains(presence.Content, "Ada") {
		t.Errorf("presence = %q, want Ada", presence.Content)
	}
}

func TestServer_RoleMismatch(t *testing.T) {
	f := newFixture()
	display, _ := f.server(t, pulse.RoleDisplay)

	tests := []struct {
		tool string
		args map[string]any
	}{
		{"pulse_start_task", map[string]any{"question": "Q"}},
		{"pulse_stop_task", nil},
		{"pulse_join", map[string]any{"name": "Ada"}},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			result := call(t, display, tt.tool, tt.args)
			if !result.IsError || !strings.Contains(result.Content, "not available") {
				t.Errorf("%s on display = %+v, want role error", tt.tool, result)
			}
		})
	}
}

// =============================================================================
// Sync Tools
// =============================================================================

func TestServer_SyncFallsBackToLocal(t *testing.T) {
	f := newFixture()
	server, sc := f.server(t, pulse.RoleCoordinator)
	call(t, server, "pulse_start_task", map[string]any{"question": "Q"})

	f.remote.SetFailure(errors.New("backend down"))
	result := call(t, server, "pulse_sync", nil)
	if result.IsError {
		t.Fatalf("pulse_sync with local store should succeed: %s", result.Content)
	}
	if sc.Store().Active() == nil {
		t.Error("active task lost after remote outage")
	}

	f.local.SetFailure(errors.New("disk gone"))
	if result := call(t, server, "pulse_sync", nil); !result.IsError {
		t.Error("pulse_sync with every transport down should fail")
	}
}
