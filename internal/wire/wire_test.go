package wire_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/wire"
)

func openRole(t *testing.T, dbPath string, role pulse.Role) *wire.Runtime {
	t.Helper()
	rt, err := wire.Open(context.Background(), pulse.Config{
		SessionID: "wire-test",
		Role:      role,
		DBPath:    dbPath,
		Intervals: pulse.Intervals{Sessions: time.Hour, EntriesIdle: time.Hour, EntriesActive: time.Hour},
	})
	if err != nil {
		t.Fatalf("Open(%s) error = %v", role, err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpen_OfflineSharesDatabase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dbPath := filepath.Join(t.TempDir(), "pulse.db")

	coord := openRole(t, dbPath, pulse.RoleCoordinator)
	display := openRole(t, dbPath, pulse.RoleDisplay)

	if coord.Remote != nil {
		t.Error("Remote configured without RemoteURL")
	}
	if !coord.Sync.IsOffline() {
		t.Error("IsOffline() = false without RemoteURL")
	}
	if err := display.Sync.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := coord.Sync.StartTask(ctx, pulse.ActivityWordCloud, "Weather today?"); err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for display.Sync.Store().Active() == nil {
		if time.Now().After(deadline) {
			t.Fatal("display never saw the task written by another process")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := display.Sync.Store().Active().Question; got != "Weather today?" {
		t.Errorf("Question = %q", got)
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := wire.Open(context.Background(), pulse.Config{SessionID: "Not Valid", DBPath: filepath.Join(t.TempDir(), "x.db")})
	if err == nil {
		t.Fatal("Open() accepted an invalid session id")
	}
}

func TestOpen_UnreachableRedisDegrades(t *testing.T) {
	rt, err := wire.Open(context.Background(), pulse.Config{
		SessionID:      "wire-test",
		DBPath:         filepath.Join(t.TempDir(), "pulse.db"),
		RedisURL:       "redis://127.0.0.1:1/0",
		RemoteURL:      "http://127.0.0.1:1",
		NetworkTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open() error = %v, want degraded runtime", err)
	}
	defer rt.Close()
	if rt.Remote == nil {
		t.Error("Remote = nil with RemoteURL set")
	}
}
