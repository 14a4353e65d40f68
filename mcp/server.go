// Package mcp exposes a Pulse sync context as MCP (Model Context Protocol)
// tools, so an agent can run a session: publish tasks, submit answers and
// read results.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hyperengineering/pulse"
)

// Server wraps the MCP server with Pulse tools.
type Server struct {
	sync      *pulse.SyncContext
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with Pulse tools registered.
func NewServer(sc *pulse.SyncContext) *Server {
	s := &Server{sync: sc}

	s.mcpServer = server.NewMCPServer(
		"pulse",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "pulse_status", Description: "Show the session, its active task, and the connection status"},
		{Name: "pulse_start_task", Description: "Publish a new task to participants (coordinator)"},
		{Name: "pulse_stop_task", Description: "Stop the active task (coordinator)"},
		{Name: "pulse_clear_session", Description: "Delete every task and entry of the session (coordinator)"},
		{Name: "pulse_join", Description: "Join the session under a name (participant)"},
		{Name: "pulse_submit", Description: "Submit an answer to the active task (participant)"},
		{Name: "pulse_entries", Description: "List the answers to the active task with word counts"},
		{Name: "pulse_presence", Description: "List participants and when they were last active"},
		{Name: "pulse_sync", Description: "Reconcile with every transport now"},
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "pulse_status":
		return s.handleStatus(ctx, args)
	case "pulse_start_task":
		return s.handleStartTask(ctx, args)
	case "pulse_stop_task":
		return s.handleStopTask(ctx, args)
	case "pulse_clear_session":
		return s.handleClearSession(ctx, args)
	case "pulse_join":
		return s.handleJoin(ctx, args)
	case "pulse_submit":
		return s.handleSubmit(ctx, args)
	case "pulse_entries":
		return s.handleEntries(ctx, args)
	case "pulse_presence":
		return s.handlePresence(ctx, args)
	case "pulse_sync":
		return s.handleSync(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("pulse_status",
		mcp.WithDescription("Show the session id, role, connection status, active task, elapsed time and next task number."),
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("pulse_start_task",
		mcp.WithDescription("Publish a new task to participants. Only one task runs at a time; stop the active one first."),
		mcp.WithString("question",
			mcp.Description("The question shown to participants"),
			mcp.Required(),
		),
		mcp.WithString("activity",
			mcp.Description("Activity mode: wordcloud (single-word answers) or sentences (default: wordcloud)"),
			mcp.Enum("wordcloud", "sentences"),
		),
	), s.wrap(s.handleStartTask))

	s.mcpServer.AddTool(mcp.NewTool("pulse_stop_task",
		mcp.WithDescription("Stop the active task and record its duration."),
	), s.wrap(s.handleStopTask))

	s.mcpServer.AddTool(mcp.NewTool("pulse_clear_session",
		mcp.WithDescription("Delete every task and entry of the session from the backend and the local store."),
		mcp.WithBoolean("confirm",
			mcp.Description("Must be true"),
			mcp.Required(),
		),
	), s.wrap(s.handleClearSession))

	s.mcpServer.AddTool(mcp.NewTool("pulse_join",
		mcp.WithDescription("Join the session as a participant."),
		mcp.WithString("name",
			mcp.Description("Participant name shown to the coordinator"),
			mcp.Required(),
		),
	), s.wrap(s.handleJoin))

	s.mcpServer.AddTool(mcp.NewTool("pulse_submit",
		mcp.WithDescription("Submit an answer to the active task. Word cloud tasks take a single word."),
		mcp.WithString("content",
			mcp.Description("The answer"),
			mcp.Required(),
		),
	), s.wrap(s.handleSubmit))

	s.mcpServer.AddTool(mcp.NewTool("pulse_entries",
		mcp.WithDescription("List the answers to the active task, newest first, with aggregated word counts."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of answers to list (default: 20)"),
		),
	), s.wrap(s.handleEntries))

	s.mcpServer.AddTool(mcp.NewTool("pulse_presence",
		mcp.WithDescription("List participants seen in the session and their last activity."),
	), s.wrap(s.handlePresence))

	s.mcpServer.AddTool(mcp.NewTool("pulse_sync",
		mcp.WithDescription("Reconcile sessions and entries with every transport now."),
	), s.wrap(s.handleSync))
}

type handler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// wrap adapts an internal handler to the mcp-go handler signature.
func (s *Server) wrap(h handler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

func failure(op string, err error) *ToolResult {
	msg := fmt.Sprintf("%s failed: %v", op, err)
	if errors.Is(err, pulse.ErrWrongRole) {
		msg = fmt.Sprintf("%s is not available: %v", op, err)
	}
	return &ToolResult{Content: msg, IsError: true}
}

// Internal handlers

func (s *Server) handleStatus(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	if err := s.sync.RefreshSessions(ctx); err != nil {
		return failure("status", err), nil
	}
	return &ToolResult{Content: formatStatus(s.sync.Snapshot())}, nil
}

func (s *Server) handleStartTask(ctx context.Context, args map[string]any) (*ToolResult, error) {
	question, ok := args["question"].(string)
	if !ok || strings.TrimSpace(question) == "" {
		return &ToolResult{Content: "question is required", IsError: true}, nil
	}
	activity := pulse.ActivityWordCloud
	if a, ok := args["activity"].(string); ok && a != "" {
		activity = pulse.ActivityType(a)
	}
	if err := s.sync.RefreshSessions(ctx); err != nil {
		return failure("start task", err), nil
	}
	task, err := s.sync.StartTask(ctx, activity, question)
	if err != nil {
		return failure("start task", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Started task %d (%s): %s", task.TaskNumber, task.ActivityType, task.Question)}, nil
}

func (s *Server) handleStopTask(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	if err := s.sync.RefreshSessions(ctx); err != nil {
		return failure("stop task", err), nil
	}
	task, err := s.sync.StopTask(ctx)
	if err != nil {
		return failure("stop task", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Stopped task %d after %s", task.TaskNumber, pulse.FormatElapsed(task.DurationSeconds))}, nil
}

func (s *Server) handleClearSession(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if confirm, _ := args["confirm"].(bool); !confirm {
		return &ToolResult{Content: "confirm must be true to clear the session", IsError: true}, nil
	}
	if err := s.sync.ClearSession(ctx); err != nil {
		return failure("clear session", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Cleared session %s", s.sync.SessionID())}, nil
}

func (s *Server) handleJoin(ctx context.Context, args map[string]any) (*ToolResult, error) {
	name, ok := args["name"].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return &ToolResult{Content: "name is required", IsError: true}, nil
	}
	if err := s.sync.Join(ctx, name); err != nil {
		return failure("join", err), nil
	}
	msg := fmt.Sprintf("Joined session %s as %s", s.sync.SessionID(), s.sync.ParticipantName())
	if a := s.sync.Store().Active(); a != nil {
		msg += fmt.Sprintf("\nActive task %d (%s): %s", a.TaskNumber, a.ActivityType, a.Question)
	} else {
		msg += "\nWaiting for the coordinator to start a task."
	}
	return &ToolResult{Content: msg}, nil
}

func (s *Server) handleSubmit(ctx context.Context, args map[string]any) (*ToolResult, error) {
	content, ok := args["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return &ToolResult{Content: "content is required", IsError: true}, nil
	}
	if err := s.sync.RefreshSessions(ctx); err != nil {
		return failure("submit", err), nil
	}
	e, err := s.sync.Submit(ctx, content)
	if err != nil {
		return failure("submit", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Submitted to task %d: %s (%s)", e.TaskNumber, truncate(e.Content, 100), s.sync.Status())}, nil
}

func (s *Server) handleEntries(ctx context.Context, args map[string]any) (*ToolResult, error) {
	limit := 20
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	if err := s.sync.RefreshSessions(ctx); err != nil {
		return failure("entries", err), nil
	}
	if err := s.sync.RefreshEntries(ctx); err != nil {
		return failure("entries", err), nil
	}
	return &ToolResult{Content: formatEntries(s.sync.Store(), limit)}, nil
}

func (s *Server) handlePresence(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	if err := s.sync.RefreshEntries(ctx); err != nil {
		return failure("presence", err), nil
	}
	return &ToolResult{Content: formatPresence(s.sync.Store().Presence(), time.Now())}, nil
}

func (s *Server) handleSync(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	if err := s.sync.ForceSync(ctx); err != nil {
		return failure("sync", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Sync completed (%s)", s.sync.Status())}, nil
}

// Formatting functions

func formatStatus(snap pulse.Snapshot) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Session: %s\n", snap.SessionID))
	sb.WriteString(fmt.Sprintf("Role: %s\n", snap.Role))
	sb.WriteString(fmt.Sprintf("Status: %s\n", snap.Status))
	if snap.Active != nil {
		sb.WriteString(fmt.Sprintf("Active task %d (%s): %s\n", snap.Active.TaskNumber, snap.Active.ActivityType, snap.Active.Question))
		sb.WriteString(fmt.Sprintf("Elapsed: %s\n", pulse.FormatElapsed(snap.Elapsed)))
	} else {
		sb.WriteString("No active task\n")
	}
	sb.WriteString(fmt.Sprintf("Tasks so far: %d\n", len(snap.Sessions)))
	sb.WriteString(fmt.Sprintf("Next task: %d", snap.NextTask))
	if snap.Finished {
		sb.WriteString("\nSession finished")
	}
	return sb.String()
}

func formatEntries(store *pulse.Store, limit int) string {
	entries := store.Entries()
	if len(entries) == 0 {
		return "No answers yet."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d answers, %d unique:\n\n", len(entries), store.UniqueResponses()))
	for i, e := range entries {
		if i == limit {
			sb.WriteString(fmt.Sprintf("  ... %d more\n", len(entries)-limit))
			break
		}
		sb.WriteString(fmt.Sprintf("  [%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.ParticipantName, truncate(e.Content, 100)))
	}

	if a := store.Active(); a != nil && a.ActivityType == pulse.ActivityWordCloud {
		sb.WriteString("\nWord counts:\n")
		for _, wc := range store.WordCounts() {
			sb.WriteString(fmt.Sprintf("  %s: %d\n", wc.Word, wc.Count))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatPresence(presence []pulse.Presence, now time.Time) string {
	if len(presence) == 0 {
		return "No participants yet."
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d participants:\n", len(presence)))
	for _, p := range presence {
		ago := now.Sub(p.LastActivity).Truncate(time.Second)
		sb.WriteString(fmt.Sprintf("  - %s (last active %s ago)\n", p.Name, ago))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
