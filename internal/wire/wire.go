// Package wire assembles a SyncContext from configuration: the remote
// adapter when a backend is configured, the device-local SQLite store, and
// the broadcast buses linking role processes.
package wire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/broadcast"
	"github.com/hyperengineering/pulse/internal/local"
	"github.com/hyperengineering/pulse/internal/remote"
)

// watchDebounce coalesces bursts of database file events.
const watchDebounce = 50 * time.Millisecond

// Runtime is a SyncContext together with the resources it was built from.
type Runtime struct {
	Sync   *pulse.SyncContext
	Local  *local.Store
	Remote *remote.HTTPClient
	Bus    broadcast.Bus
	Logger *zap.Logger

	closers []func() error
}

// Open resolves cfg and builds every adapter it names. A Redis or file
// watcher failure degrades to fewer buses; only the local store is
// mandatory.
func Open(ctx context.Context, cfg pulse.Config) (*Runtime, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := pulse.NewLogger(cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Logger: logger}

	buses := []broadcast.Bus{broadcast.NewLocal()}
	if cfg.RedisURL != "" {
		rb, err := broadcast.DialRedis(ctx, cfg.RedisURL, cfg.SessionID, logger)
		if err != nil {
			logger.Warn("redis broadcast unavailable", zap.Error(err))
		} else {
			buses = append(buses, rb)
		}
	}

	if err := os.MkdirAll(cfg.StoreDir(), 0755); err != nil {
		closeAll(buses)
		return nil, fmt.Errorf("wire: create store directory: %w", err)
	}
	w, err := broadcast.NewWatcher(cfg.DBPath, watchDebounce, logger)
	if err != nil {
		logger.Warn("file watcher unavailable", zap.Error(err))
	} else {
		buses = append(buses, w)
	}
	bus := broadcast.NewMulti(buses...)

	store, err := local.Open(cfg.DBPath,
		local.WithBus(bus),
		local.WithLogger(logger),
		local.WithPollInterval(cfg.Intervals.LocalPoll),
	)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("wire: %w", err)
	}

	rt.Local = store
	rt.Bus = bus
	rt.closers = append(rt.closers, store.Close, bus.Close)

	deps := pulse.Deps{Local: store, KV: store, Bus: bus, Logger: logger}
	if !cfg.IsOffline() {
		rt.Remote = remote.NewHTTPClient(cfg.RemoteURL, cfg.APIKey).
			WithTimeout(cfg.NetworkTimeout).
			WithLogger(logger)
		deps.Remote = rt.Remote
	}

	sc, err := pulse.New(cfg, deps)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Sync = sc
	return rt, nil
}

// Close shuts the SyncContext down and releases the store and buses.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Sync != nil {
		errs = append(errs, rt.Sync.Close())
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	if rt.Logger != nil {
		_ = rt.Logger.Sync()
	}
	return errors.Join(errs...)
}

func closeAll(buses []broadcast.Bus) {
	for _, b := range buses {
		_ = b.Close()
	}
}
