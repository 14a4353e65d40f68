package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pulse"
	pulsemcp "github.com/hyperengineering/pulse/mcp"
)

var (
	mcpRole = string(pulse.RoleCoordinator)
	mcpName string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for coding agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio.

This lets an agent run a session with Pulse tools: publish and stop tasks,
submit answers, and read results.

Example MCP client configuration:

  {
    "mcpServers": {
      "pulse": {
        "command": "pulse",
        "args": ["mcp", "--role", "coordinator"],
        "env": {
          "PULSE_SESSION": "abc123",
          "PULSE_REMOTE_URL": "https://pulse.example.com"
        }
      }
    }
  }

Environment variables:
  PULSE_SESSION      Session ID (coordinators generate one if unset)
  PULSE_REMOTE_URL   Realtime backend URL (optional; local-only without it)
  PULSE_API_KEY      Backend API key
  PULSE_DATA_DIR     Directory for local session stores`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpRole, "role", string(pulse.RoleCoordinator), "Role the server plays: coordinator, participant or display")
	mcpCmd.Flags().StringVar(&mcpName, "name", "", "Participant name (participant role)")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	role := pulse.Role(mcpRole)
	if !role.IsValid() {
		return fmt.Errorf("invalid role %q", mcpRole)
	}
	rt, err := openRuntime(cmd, role)
	if err != nil {
		return err
	}
	defer rt.Close()

	if role == pulse.RoleParticipant && mcpName != "" {
		if err := rt.Sync.Join(cmd.Context(), mcpName); err != nil {
			return err
		}
	}
	// The loops keep the view fresh between tool calls.
	if err := rt.Sync.Start(cmd.Context()); err != nil {
		return err
	}

	server := pulsemcp.NewServer(rt.Sync)
	return server.Run()
}
