package store

import (
	"os"
	"path/filepath"
)

// DBFileName is the name of the SQLite file inside a session directory.
const DBFileName = "pulse.db"

// DefaultDataDir returns the root directory for all session stores.
// PULSE_HOME overrides the base directory. Defaults to ~/.pulse/sessions,
// falls back to ./.pulse/sessions if home dir unavailable.
func DefaultDataDir() string {
	if base := os.Getenv("PULSE_HOME"); base != "" {
		return filepath.Join(base, "sessions")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".pulse", "sessions")
	}
	return filepath.Join(home, ".pulse", "sessions")
}

// SessionDir returns the directory holding one session's local data.
func SessionDir(dataDir, sessionID string) string {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	return filepath.Join(dataDir, sessionID)
}

// SessionDBPath returns the full path to a session's database file.
// Example: SessionDBPath("", "abc") -> ~/.pulse/sessions/abc/pulse.db
func SessionDBPath(dataDir, sessionID string) string {
	return filepath.Join(SessionDir(dataDir, sessionID), DBFileName)
}
