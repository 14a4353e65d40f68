package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const currentSessionFile = "current_session_id"

// LoadCurrentSession returns the coordinator's saved session ID, or "" when
// none has been saved. An invalid saved value is ignored.
func LoadCurrentSession(dataDir string) (string, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	data, err := os.ReadFile(filepath.Join(dataDir, currentSessionFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read current session: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if ValidateSessionID(id) != nil {
		return "", nil
	}
	return id, nil
}

// SaveCurrentSession records id as the coordinator's current session.
func SaveCurrentSession(dataDir, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return writeFileAtomic(filepath.Join(dataDir, currentSessionFile), []byte(id+"\n"))
}

// ClearCurrentSession forgets the saved session so the next resolve starts a new one.
func ClearCurrentSession(dataDir string) error {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	err := os.Remove(filepath.Join(dataDir, currentSessionFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear current session: %w", err)
	}
	return nil
}

// writeFileAtomic writes through a temp file and renames it into place.
// On failure, attempts to clean up the partial temp file.
func writeFileAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}

	success = true
	return nil
}
