package store

import (
	"fmt"
	"os"
)

// EnvSession names the environment variable consulted by ResolveSession.
const EnvSession = "PULSE_SESSION"

// ResolveSession determines the session ID to use based on priority chain.
// Priority: explicit > PULSE_SESSION env > saved current session > new ID.
// A newly generated ID is saved as the current session under dataDir.
func ResolveSession(explicit, dataDir string) (string, error) {
	if explicit != "" {
		if err := ValidateSessionID(explicit); err != nil {
			return "", fmt.Errorf("invalid session ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv(EnvSession); env != "" {
		if err := ValidateSessionID(env); err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", EnvSession, env, err)
		}
		return env, nil
	}

	current, err := LoadCurrentSession(dataDir)
	if err != nil {
		return "", err
	}
	if current != "" {
		return current, nil
	}

	id := NewSessionID()
	if err := SaveCurrentSession(dataDir, id); err != nil {
		return "", err
	}
	return id, nil
}
