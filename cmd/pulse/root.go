package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/wire"
)

var (
	cfgSession   string
	cfgRemoteURL string
	cfgAPIKey    string
	cfgDataDir   string
	cfgDBPath    string
	cfgRedisURL  string
	cfgDebug     bool
	outputJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse - live classroom responses",
	Long: `Pulse runs live response sessions: a coordinator publishes a task,
participants answer from their own devices, and a display shows the
results as they arrive.

Every command works against the realtime backend when --remote-url is set
and always keeps a local copy, so a session carries on through outages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgSession, "session", "", "Session ID (env: PULSE_SESSION)")
	pf.StringVar(&cfgRemoteURL, "remote-url", "", "Realtime backend URL (env: PULSE_REMOTE_URL)")
	pf.StringVar(&cfgAPIKey, "api-key", "", "Backend API key (env: PULSE_API_KEY)")
	pf.StringVar(&cfgDataDir, "data-dir", "", "Directory for local session stores (env: PULSE_DATA_DIR)")
	pf.StringVar(&cfgDBPath, "db-path", "", "Local SQLite database path (env: PULSE_DB_PATH)")
	pf.StringVar(&cfgRedisURL, "redis-url", "", "Redis URL for cross-device broadcast (env: PULSE_REDIS_URL)")
	pf.BoolVar(&cfgDebug, "debug", false, "Log transport traffic to stderr")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// loadConfig reads the environment, then applies flags, then pins role.
func loadConfig(role pulse.Role) pulse.Config {
	cfg := pulse.ConfigFromEnv()
	cfg.Role = role

	if cfgSession != "" {
		cfg.SessionID = cfgSession
	}
	if cfgRemoteURL != "" {
		cfg.RemoteURL = cfgRemoteURL
	}
	if cfgAPIKey != "" {
		cfg.APIKey = cfgAPIKey
	}
	if cfgDataDir != "" {
		cfg.DataDir = cfgDataDir
	}
	if cfgDBPath != "" {
		cfg.DBPath = cfgDBPath
	}
	if cfgRedisURL != "" {
		cfg.RedisURL = cfgRedisURL
	}
	if cfgDebug {
		cfg.Debug = true
	}
	return cfg
}

// validateConfig adds the flag and environment variable to configuration
// errors so the fix is obvious.
func validateConfig(err error) error {
	var ve *pulse.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	switch ve.Field {
	case "SessionID":
		return fmt.Errorf("%w (set --session or PULSE_SESSION)", err)
	case "RemoteURL":
		return fmt.Errorf("%w (check --remote-url or PULSE_REMOTE_URL)", err)
	case "DBPath":
		return fmt.Errorf("%w (set --db-path or PULSE_DB_PATH)", err)
	}
	return err
}

// openRuntime builds the adapters for role. Callers must Close it.
func openRuntime(cmd *cobra.Command, role pulse.Role) (*wire.Runtime, error) {
	rt, err := wire.Open(cmd.Context(), loadConfig(role))
	if err != nil {
		return nil, validateConfig(err)
	}
	return rt, nil
}

func envDatabaseURL() string {
	return os.Getenv("PULSE_DATABASE_URL")
}

// resetFlags restores flag globals to their defaults.
func resetFlags() {
	cfgSession, cfgRemoteURL, cfgAPIKey = "", "", ""
	cfgDataDir, cfgDBPath, cfgRedisURL = "", "", ""
	cfgDebug, outputJSON = false, false
	taskActivity = string(pulse.ActivityWordCloud)
	taskClearYes = false
	submitName = ""
	markWrong = false
	watchRole = string(pulse.RoleDisplay)
	linksBaseURL = defaultBaseURL
	backendAddr = defaultBackendAddr
	backendDatabaseURL = ""
	mcpRole = string(pulse.RoleCoordinator)
	mcpName = ""
}
