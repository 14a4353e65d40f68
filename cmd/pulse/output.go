package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pulse"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to stderr, ensuring no API keys are leaked.
func outputError(w io.Writer, err error) {
	fmt.Fprintln(w, renderErrorPanel(scrubSensitiveData(err.Error()), "", suggestionFor(err)))
}

// suggestionFor names the command that gets past a common error.
func suggestionFor(err error) string {
	switch {
	case errors.Is(err, pulse.ErrNotJoined):
		return "Run 'pulse join <name>' or pass --name"
	case errors.Is(err, pulse.ErrTaskActive):
		return "Run 'pulse task stop' first"
	case errors.Is(err, pulse.ErrNoActiveTask):
		return "Wait for the coordinator to run 'pulse task start'"
	case errors.Is(err, pulse.ErrInvalidContent):
		return "Word cloud tasks take one word; answers are at most 500 characters"
	case errors.Is(err, pulse.ErrWrongRole):
		return "Check the role the command runs as"
	}
	var ee *pulse.ExhaustionError
	if errors.As(err, &ee) {
		return "Check --remote-url and the local database path"
	}
	return ""
}

// scrubSensitiveData removes the API key from error messages.
func scrubSensitiveData(msg string) string {
	if cfgAPIKey != "" && strings.Contains(msg, cfgAPIKey) {
		msg = strings.ReplaceAll(msg, cfgAPIKey, "[REDACTED]")
	}
	return msg
}

// TaskResult is the JSON form of a task command.
type TaskResult struct {
	Task   *pulse.Session         `json:"task"`
	Status pulse.ConnectionStatus `json:"status"`
}

// outputTask prints a started or stopped task.
func outputTask(cmd *cobra.Command, verb string, task *pulse.Session, status pulse.ConnectionStatus) error {
	if outputJSON {
		return outputAsJSON(cmd, TaskResult{Task: task, Status: status})
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "%s task %d", verb, task.TaskNumber)
	printField(out, "Question", task.Question)
	printField(out, "Activity", string(task.ActivityType))
	if !task.IsActive {
		printField(out, "Duration", pulse.FormatElapsed(task.DurationSeconds))
	}
	printStatus(out, status)
	return nil
}

// printStatus reports where a write landed.
func printStatus(w io.Writer, status pulse.ConnectionStatus) {
	switch status {
	case pulse.StatusConnected, pulse.StatusSubmitted:
		printMuted(w, "Synced with the backend")
	case pulse.StatusLocal:
		printWarning(w, "Saved locally; the backend was not reachable")
	case pulse.StatusError:
		printError(w, "Not saved")
	default:
		printMuted(w, "Status: %s", status)
	}
}

// outputEntry prints an accepted submission.
func outputEntry(cmd *cobra.Command, e *pulse.Entry, status pulse.ConnectionStatus) error {
	if outputJSON {
		return outputAsJSON(cmd, map[string]interface{}{
			"entry":  e,
			"status": status,
		})
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "Submitted to task %d: %s", e.TaskNumber, e.Content)
	printStatus(out, status)
	return nil
}

// outputSnapshot prints the role's view: the task, answers and presence.
func outputSnapshot(cmd *cobra.Command, snap pulse.Snapshot, counts []pulse.WordCount) error {
	if outputJSON {
		return outputAsJSON(cmd, struct {
			pulse.Snapshot
			WordCounts []pulse.WordCount `json:"word_counts,omitempty"`
		}{snap, counts})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderPanel("Session "+snap.SessionID, snapshotSummary(snap)))

	if snap.Active == nil {
		return nil
	}
	fmt.Fprintln(out)
	if len(snap.Entries) == 0 {
		printMuted(out, "No answers yet.")
	} else {
		rows := make([][]string, 0, len(snap.Entries))
		for _, e := range snap.Entries {
			rows = append(rows, []string{e.Timestamp.Local().Format("15:04:05"), e.ParticipantName, e.Content})
		}
		fmt.Fprintln(out, renderTable([]string{"TIME", "NAME", "ANSWER"}, rows))
	}
	if len(counts) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(counts))
		for _, wc := range counts {
			rows = append(rows, []string{wc.Word, strconv.Itoa(wc.Count)})
		}
		fmt.Fprintln(out, renderTable([]string{"WORD", "COUNT"}, rows))
	}
	return nil
}

func snapshotSummary(snap pulse.Snapshot) string {
	lines := []string{
		"Role: " + string(snap.Role),
		"Status: " + string(snap.Status),
	}
	if snap.Active != nil {
		lines = append(lines,
			fmt.Sprintf("Task %d (%s): %s", snap.Active.TaskNumber, snap.Active.ActivityType, snap.Active.Question),
			"Elapsed: "+pulse.FormatElapsed(snap.Elapsed),
		)
	} else {
		lines = append(lines, fmt.Sprintf("No active task (next: %d)", snap.NextTask))
	}
	lines = append(lines, fmt.Sprintf("Participants: %d", len(snap.Presence)))
	if !snap.LastSyncedAt.IsZero() {
		lines = append(lines, "Last synced: "+formatRelativeTime(snap.LastSyncedAt))
	}
	if snap.Finished {
		lines = append(lines, "Session finished")
	}
	return strings.Join(lines, "\n")
}

// outputPresence lists participants by last activity.
func outputPresence(cmd *cobra.Command, presence []pulse.Presence) error {
	if outputJSON {
		return outputAsJSON(cmd, presence)
	}
	out := cmd.OutOrStdout()
	if len(presence) == 0 {
		printMuted(out, "No participants yet.")
		return nil
	}
	rows := make([][]string, 0, len(presence))
	for _, p := range presence {
		rows = append(rows, []string{p.Name, formatRelativeTime(p.LastActivity)})
	}
	fmt.Fprintln(out, renderTable([]string{"NAME", "LAST ACTIVE"}, rows))
	return nil
}

// formatRelativeTime formats a time as a relative string (e.g., "2h ago")
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Since(t)

	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
