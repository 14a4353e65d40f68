package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pulse"
)

var (
	submitName string
	markWrong  bool
)

var joinCmd = &cobra.Command{
	Use:   "join <name>",
	Short: "Join a session as a participant",
	Long: `Join a session as a participant. The name is saved on this device, so
later submit commands can omit --name.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJoin,
}

var submitCmd = &cobra.Command{
	Use:   "submit <answer>",
	Short: "Answer the active task",
	Example: `  pulse submit --session abc123 --name Ada blue
  pulse submit "I did not expect the results to match"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "List your own answers and how you marked them",
	Args:  cobra.NoArgs,
	RunE:  runMine,
}

var markCmd = &cobra.Command{
	Use:   "mark <task> <entry-id>",
	Short: "Mark one of your answers correct (or --wrong)",
	Args:  cobra.ExactArgs(2),
	RunE:  runMark,
}

func init() {
	for _, c := range []*cobra.Command{submitCmd, mineCmd, markCmd} {
		c.Flags().StringVarP(&submitName, "name", "n", "", "Participant name (default: name saved by join)")
	}
	markCmd.Flags().BoolVar(&markWrong, "wrong", false, "Mark the answer incorrect")

	rootCmd.AddCommand(joinCmd, submitCmd, mineCmd, markCmd)
}

// rejoin joins under --name or the name saved on this device, which also
// loads the device's marks.
func rejoin(ctx context.Context, sc *pulse.SyncContext) error {
	name := submitName
	if name == "" {
		saved, err := sc.SavedName(ctx)
		if err != nil {
			return err
		}
		name = saved
	}
	if name == "" {
		return pulse.ErrNotJoined
	}
	return sc.Join(ctx, name)
}

func runJoin(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd, pulse.RoleParticipant)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync

	if err := sc.Join(cmd.Context(), strings.Join(args, " ")); err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, sc.Snapshot())
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "Joined session %s as %s", sc.SessionID(), sc.ParticipantName())
	if a := sc.Store().Active(); a != nil {
		printInfo(out, "Task %d (%s): %s", a.TaskNumber, a.ActivityType, a.Question)
	} else {
		printMuted(out, "Waiting for the coordinator to start a task.")
	}
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd, pulse.RoleParticipant)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync
	ctx := cmd.Context()

	if err := rejoin(ctx, sc); err != nil {
		return err
	}

	var entry *pulse.Entry
	err = runWithSpinner(cmd.ErrOrStderr(), sc, "Submitting", func() error {
		var err error
		entry, err = sc.Submit(ctx, strings.Join(args, " "))
		return err
	})
	if err != nil {
		return err
	}
	return outputEntry(cmd, entry, sc.Status())
}

func runMine(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd, pulse.RoleParticipant)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync
	ctx := cmd.Context()

	if err := rejoin(ctx, sc); err != nil {
		return err
	}
	if err := sc.RefreshEntries(ctx); err != nil {
		return err
	}

	mine := sc.MyEntries()
	marks := sc.Marking()
	if outputJSON {
		return outputAsJSON(cmd, map[string]interface{}{
			"entries": mine,
			"marks":   marks.All(),
			"correct": marks.CorrectCount(),
		})
	}

	out := cmd.OutOrStdout()
	if len(mine) == 0 {
		printMuted(out, "You have not answered anything yet.")
		return nil
	}
	rows := make([][]string, 0, len(mine))
	for _, e := range mine {
		mark := "-"
		if correct, ok := marks.Get(e.TaskNumber, e.ID); ok {
			mark = iconError
			if correct {
				mark = iconSuccess
			}
		}
		rows = append(rows, []string{strconv.Itoa(e.TaskNumber), e.Content, mark, e.ID})
	}
	fmt.Fprintln(out, renderTable([]string{"TASK", "ANSWER", "MARK", "ID"}, rows))
	printMuted(out, "%d marked correct", marks.CorrectCount())
	return nil
}

func runMark(cmd *cobra.Command, args []string) error {
	task, err := strconv.Atoi(args[0])
	if err != nil || task < 1 {
		return fmt.Errorf("invalid task number %q", args[0])
	}

	rt, err := openRuntime(cmd, pulse.RoleParticipant)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync
	ctx := cmd.Context()

	if err := rejoin(ctx, sc); err != nil {
		return err
	}
	if err := sc.Mark(ctx, task, args[1], !markWrong); err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]interface{}{"correct": sc.CorrectCount()})
	}
	verdict := "correct"
	if markWrong {
		verdict = "incorrect"
	}
	printSuccess(cmd.OutOrStdout(), "Marked %s %s (%d correct)", args[1], verdict, sc.CorrectCount())
	return nil
}
