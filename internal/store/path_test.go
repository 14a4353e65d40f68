package store_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/pulse/internal/store"
)

func TestDefaultDataDir(t *testing.T) {
	t.Setenv("PULSE_HOME", "")
	root := store.DefaultDataDir()

	if !strings.Contains(root, ".pulse") {
		t.Errorf("DefaultDataDir() = %q, should contain .pulse", root)
	}
	if !strings.HasSuffix(root, "sessions") {
		t.Errorf("DefaultDataDir() = %q, should end with sessions", root)
	}
	if !filepath.IsAbs(root) {
		t.Errorf("DefaultDataDir() = %q, should be absolute path", root)
	}
}

func TestDefaultDataDir_PULSE_HOME_Override(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("PULSE_HOME", tmp)

	got := store.DefaultDataDir()
	if want := filepath.Join(tmp, "sessions"); got != want {
		t.Errorf("DefaultDataDir() = %q, want %q", got, want)
	}
}

func TestDefaultDataDir_UsesHomeDir(t *testing.T) {
	t.Setenv("PULSE_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("cannot determine home directory: %v", err)
	}

	got := store.DefaultDataDir()
	if want := filepath.Join(home, ".pulse", "sessions"); got != want {
		t.Errorf("DefaultDataDir() = %q, want %q", got, want)
	}
}

func TestSessionDBPath(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("PULSE_HOME", tmp)

	tests := []struct {
		name     string
		dataDir  string
		id       string
		expected string
	}{
		{"explicit data dir", "/srv/pulse", "abc", filepath.Join("/srv/pulse", "abc", "pulse.db")},
		{"default data dir", "", "room-7", filepath.Join(tmp, "sessions", "room-7", "pulse.db")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := store.SessionDBPath(tt.dataDir, tt.id)
			if got != tt.expected {
				t.Errorf("SessionDBPath(%q, %q) = %q, want %q", tt.dataDir, tt.id, got, tt.expected)
			}
		})
	}
}
