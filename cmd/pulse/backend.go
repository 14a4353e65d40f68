package main

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperengineering/pulse"
	"github.com/hyperengineering/pulse/internal/backend"
	"github.com/hyperengineering/pulse/internal/memory"
	"github.com/hyperengineering/pulse/internal/pgstore"
)

const defaultBackendAddr = ":8787"

var (
	backendAddr        = defaultBackendAddr
	backendDatabaseURL string
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run a realtime backend for local sessions",
	Long: `Run the realtime backend: the REST API and websocket change feed that
--remote-url points at.

With --database-url (env: PULSE_DATABASE_URL) rows live in PostgreSQL and
changes fan out through LISTEN/NOTIFY. Without it rows live in memory and
are lost on exit.`,
	Example: `  pulse backend --addr :8787
  pulse backend --database-url postgres://pulse@localhost/pulse`,
	Args: cobra.NoArgs,
	RunE: runBackend,
}

func init() {
	backendCmd.Flags().StringVar(&backendAddr, "addr", defaultBackendAddr, "Listen address")
	backendCmd.Flags().StringVar(&backendDatabaseURL, "database-url", "", "PostgreSQL connection string")
	rootCmd.AddCommand(backendCmd)
}

func runBackend(cmd *cobra.Command, args []string) error {
	cfg := pulse.ConfigFromEnv()
	logger, err := pulse.NewLogger(cfgDebug || cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	ctx := cmd.Context()

	dsn := backendDatabaseURL
	if dsn == "" {
		dsn = envDatabaseURL()
	}

	var store pulse.Transport
	if dsn != "" {
		pg, err := pgstore.Open(ctx, dsn, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	} else {
		printWarning(cmd.ErrOrStderr(), "No --database-url; rows are kept in memory")
		store = memory.New("backend")
	}

	printInfo(cmd.ErrOrStderr(), "Backend listening on %s", backendAddr)
	logger.Info("backend starting", zap.String("addr", backendAddr), zap.String("store", store.Name()))
	err = backend.New(store, logger).ListenAndServe(ctx, backendAddr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
