package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Brand color palette
var (
	// Primary Brand Colors (Signal Coral)
	colorPrimary      = lipgloss.Color("#E8664A") // Signal Coral - main brand
	colorPrimaryLight = lipgloss.Color("#F28A71") // Light Coral - highlights
	colorPrimaryDark  = lipgloss.Color("#B94C35") // Dark Coral - active states

	// Neutral Colors
	colorText  = lipgloss.Color("#F2F3F3")
	colorMuted = lipgloss.Color("240") // Muted gray for secondary text

	// State Colors
	colorSuccess = lipgloss.Color("#22C55E") // Success green
	colorWarning = lipgloss.Color("#F59E0B") // Warning amber
	colorError   = lipgloss.Color("#EF4444") // Error red
)

// Styles
var (
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(colorPrimary)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	labelStyle   = lipgloss.NewStyle().Foreground(colorPrimaryLight).Bold(true)
	valueStyle   = lipgloss.NewStyle().Foreground(colorText)

	tableHeaderStyle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
	panelStyle       = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorPrimaryDark).
				Padding(0, 1)
	panelTitleStyle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	tableStyle      = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimaryDark)
	errorPanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorError).
			Padding(0, 1)
)

// Icons
const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "⚠"
	iconInfo    = "●"
)

// Tests force TTY detection through this override.
var (
	testIsTTYMutex    sync.Mutex
	testIsTTYOverride *bool
)

// isTTY returns true if stdout is a terminal
func isTTY() bool {
	testIsTTYMutex.Lock()
	override := testIsTTYOverride
	testIsTTYMutex.Unlock()
	if override != nil {
		return *override
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// printStyled prints a message with an icon, applying style only in TTY mode
func printStyled(w io.Writer, icon string, style lipgloss.Style, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", style.Render(icon), msg)
	} else {
		fmt.Fprintf(w, "%s %s\n", icon, msg)
	}
}

// printSuccess prints a success message with green checkmark
func printSuccess(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconSuccess, successStyle, format, args...)
}

// printError prints an error message with red X
func printError(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconError, errorStyle, format, args...)
}

// printWarning prints a warning message with amber warning sign
func printWarning(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconWarning, warningStyle, format, args...)
}

// printInfo prints an info message with brand-colored dot
func printInfo(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconInfo, infoStyle, format, args...)
}

// printMuted prints muted/secondary text
func printMuted(w io.Writer, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintln(w, mutedStyle.Render(msg))
	} else {
		fmt.Fprintln(w, msg)
	}
}

// printField prints a "label: value" line
func printField(w io.Writer, label, value string) {
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
	} else {
		fmt.Fprintf(w, "%s: %s\n", label, value)
	}
}

// renderTable lays rows out in columns. TTY output gets a rounded border;
// plain output is space-padded text. Cells beyond the headers are dropped.
func renderTable(headers []string, rows [][]string) string {
	cols := len(headers)
	if cols == 0 {
		return ""
	}
	widths := make([]int, cols)
	measure := func(cells []string) {
		for i := 0; i < cols && i < len(cells); i++ {
			if w := lipgloss.Width(cells[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(headers)
	for _, r := range rows {
		measure(r)
	}

	pad := func(cells []string) []string {
		out := make([]string, cols)
		for i := range out {
			if i < len(cells) {
				out[i] = cells[i]
			}
			out[i] += strings.Repeat(" ", widths[i]-lipgloss.Width(out[i]))
		}
		return out
	}

	if !isTTY() {
		lines := []string{strings.TrimRight(strings.Join(pad(headers), "  "), " ")}
		for _, r := range rows {
			lines = append(lines, strings.TrimRight(strings.Join(pad(r), "  "), " "))
		}
		return strings.Join(lines, "\n")
	}

	cells := pad(headers)
	for i := range cells {
		cells[i] = tableHeaderStyle.Render(cells[i])
	}
	lines := []string{strings.Join(cells, "│")}
	seps := make([]string, cols)
	for i, w := range widths {
		seps[i] = strings.Repeat("─", w+2)
	}
	lines = append(lines, strings.Join(seps, "┼"))
	for _, r := range rows {
		cells := pad(r)
		for i := range cells {
			cells[i] = tableCellStyle.Render(cells[i])
		}
		lines = append(lines, strings.Join(cells, "│"))
	}
	return tableStyle.Render(strings.Join(lines, "\n"))
}

// renderPanel boxes content under an optional title in TTY mode.
func renderPanel(title, content string) string {
	if !isTTY() {
		if title == "" {
			return content
		}
		return title + "\n" + content
	}
	body := content
	if title != "" {
		body = panelTitleStyle.Render(title) + "\n" + content
	}
	return panelStyle.Render(body)
}

// renderConfirmation formats a destructive-action warning and its prompt.
func renderConfirmation(warning, prompt string) string {
	if !isTTY() {
		return warning + "\n" + prompt
	}
	width := lipgloss.Width(warning)
	if w := lipgloss.Width(prompt); w > width {
		width = w
	}
	sep := mutedStyle.Render(strings.Repeat("─", width))
	return strings.Join([]string{
		warningStyle.Render(iconWarning + " " + warning),
		sep,
		prompt,
	}, "\n")
}

// renderErrorPanel formats an error with optional context and a
// suggested fix.
func renderErrorPanel(msg, context, suggestion string) string {
	if !isTTY() {
		lines := []string{iconError + " " + msg}
		if context != "" {
			lines = append(lines, "Context: "+context)
		}
		if suggestion != "" {
			lines = append(lines, "Suggestion: "+suggestion)
		}
		return strings.Join(lines, "\n")
	}
	lines := []string{errorStyle.Render(iconError + " " + msg)}
	if context != "" {
		lines = append(lines, mutedStyle.Render(context))
	}
	if suggestion != "" {
		lines = append(lines, "", infoStyle.Render(suggestion))
	}
	return errorPanelStyle.Render(strings.Join(lines, "\n"))
}
