package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pulse"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active task, answers and word counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "List participants and when they were last active",
	Args:  cobra.NoArgs,
	RunE:  runPresence,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local store with the backend now",
	Long: `Reconcile the local store with the backend now.

Run as the coordinator: if the backend lost the active task during an
outage, it is written back.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(statusCmd, presenceCmd, syncCmd)
}

// readView opens a display runtime and reconciles sessions then entries.
func readView(cmd *cobra.Command) (*pulse.SyncContext, func() error, error) {
	rt, err := openRuntime(cmd, pulse.RoleDisplay)
	if err != nil {
		return nil, nil, err
	}
	sc := rt.Sync
	ctx := cmd.Context()
	if err := sc.RefreshSessions(ctx); err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	if err := sc.RefreshEntries(ctx); err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	return sc, rt.Close, nil
}

func wordCounts(sc *pulse.SyncContext) []pulse.WordCount {
	if a := sc.Store().Active(); a != nil && a.ActivityType == pulse.ActivityWordCloud {
		return sc.Store().WordCounts()
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	sc, closeFn, err := readView(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	return outputSnapshot(cmd, sc.Snapshot(), wordCounts(sc))
}

func runPresence(cmd *cobra.Command, args []string) error {
	sc, closeFn, err := readView(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	return outputPresence(cmd, sc.Store().Presence())
}

func runSync(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd, pulse.RoleCoordinator)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync

	start := time.Now()
	err = runWithSpinner(cmd.ErrOrStderr(), sc, "Syncing", func() error {
		return sc.ForceSync(cmd.Context())
	})
	if err != nil {
		return err
	}
	duration := time.Since(start)

	if outputJSON {
		return outputAsJSON(cmd, map[string]interface{}{
			"status":      sc.Status(),
			"tasks":       len(sc.Store().Sessions()),
			"entries":     len(sc.Store().AllEntries()),
			"duration_ms": duration.Milliseconds(),
		})
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "Sync complete (took %s)", duration.Round(time.Millisecond))
	printField(out, "Tasks", fmt.Sprint(len(sc.Store().Sessions())))
	printField(out, "Entries", fmt.Sprint(len(sc.Store().AllEntries())))
	printStatus(out, sc.Status())
	return nil
}
