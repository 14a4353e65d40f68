package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pulse"
)

var (
	taskActivity = string(pulse.ActivityWordCloud)
	taskClearYes bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Publish and stop tasks as the coordinator",
	Long: `Publish and stop tasks as the session coordinator.

Only one task runs at a time. Task numbers increase through the session;
stopping a task records how long it ran.`,
}

var taskStartCmd = &cobra.Command{
	Use:   "start <question>",
	Short: "Publish a new task",
	Long: `Publish a new task to every participant.

Word cloud tasks take single-word answers; sentence tasks take free text
up to 500 characters.`,
	Example: `  pulse task start "One word for today's topic?"
  pulse task start --activity sentences "What surprised you?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskStart,
}

var taskStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active task",
	Args:  cobra.NoArgs,
	RunE:  runTaskStop,
}

var taskFinishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Stop the active task, if any, and end the session",
	Args:  cobra.NoArgs,
	RunE:  runTaskFinish,
}

var taskClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every task and answer of the session",
	Args:  cobra.NoArgs,
	RunE:  runTaskClear,
}

func init() {
	taskStartCmd.Flags().StringVarP(&taskActivity, "activity", "a", string(pulse.ActivityWordCloud), "Activity type: wordcloud or sentences")
	taskClearCmd.Flags().BoolVarP(&taskClearYes, "yes", "y", false, "Skip the confirmation prompt")

	taskCmd.AddCommand(taskStartCmd, taskStopCmd, taskFinishCmd, taskClearCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd, pulse.RoleCoordinator)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync
	ctx := cmd.Context()

	if err := sc.RefreshSessions(ctx); err != nil {
		return err
	}

	var task *pulse.Session
	err = runWithSpinner(cmd.ErrOrStderr(), sc, "Publishing task", func() error {
		var err error
		task, err = sc.StartTask(ctx, pulse.ActivityType(taskActivity), strings.Join(args, " "))
		return err
	})
	if err != nil {
		return err
	}
	return outputTask(cmd, "Started", task, sc.Status())
}

func runTaskStop(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd, pulse.RoleCoordinator)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync
	ctx := cmd.Context()

	if err := sc.RefreshSessions(ctx); err != nil {
		return err
	}
	task, err := sc.StopTask(ctx)
	if err != nil {
		return err
	}
	return outputTask(cmd, "Stopped", task, sc.Status())
}

func runTaskFinish(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd, pulse.RoleCoordinator)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync
	ctx := cmd.Context()

	if err := sc.RefreshSessions(ctx); err != nil {
		return err
	}
	active := sc.Store().Active()
	if err := sc.FinishSession(ctx); err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, sc.Snapshot())
	}
	out := cmd.OutOrStdout()
	if active != nil {
		printInfo(out, "Stopped task %d", active.TaskNumber)
	}
	printSuccess(out, "Session %s finished after %d tasks", sc.SessionID(), len(sc.Store().Sessions()))
	return nil
}

func runTaskClear(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd, pulse.RoleCoordinator)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.Sync

	if !taskClearYes {
		fmt.Fprintln(cmd.ErrOrStderr(), renderConfirmation(
			fmt.Sprintf("This deletes every task and answer of session %s", sc.SessionID()),
			"Type 'yes' to confirm:",
		))
		line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if strings.TrimSpace(line) != "yes" {
			return errors.New("clear cancelled")
		}
	}

	if err := sc.ClearSession(cmd.Context()); err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]string{"cleared": sc.SessionID()})
	}
	printSuccess(cmd.OutOrStdout(), "Cleared session %s", sc.SessionID())
	return nil
}
