package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pulse"
)

// watchRedraw bounds how often the view is reprinted.
const watchRedraw = 250 * time.Millisecond

var watchRole = string(pulse.RoleDisplay)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the session live",
	Long: `Follow the session live: poll both transports, listen for changes from
other role processes, and reprint the view whenever it changes. Stops on
Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchRole, "role", string(pulse.RoleDisplay), "Role to run: coordinator, participant or display")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	role := pulse.Role(watchRole)
	if !role.IsValid() {
		return fmt.Errorf("invalid role %q", watchRole)
	}
	rt, err := openRuntime(cmd, role)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync
	ctx := cmd.Context()

	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	defer sc.Store().OnChange(func(uint64) { notify() })()
	defer sc.OnStatus(func(pulse.ConnectionStatus) { notify() })()

	if err := sc.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ticker := time.NewTicker(watchRedraw)
	defer ticker.Stop()
	dirty := true
	for {
		select {
		case <-ctx.Done():
			sc.Wait()
			return nil
		case <-changed:
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if isTTY() && !outputJSON {
				fmt.Fprint(out, "\033[H\033[2J")
			}
			if err := outputSnapshot(cmd, sc.Snapshot(), wordCounts(sc)); err != nil {
				return err
			}
		}
	}
}
