package main

import (
	"text/template"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	helpHeaderStyle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	helpCmdStyle    = lipgloss.NewStyle().Foreground(colorPrimaryLight)
)

// commandGroup lists the root commands one classroom role uses.
type commandGroup struct {
	group    cobra.Group
	commands []string
}

var commandGroups = []commandGroup{
	{cobra.Group{ID: "coordinator", Title: "Coordinator Commands:"}, []string{"task", "sync", "links"}},
	{cobra.Group{ID: "participant", Title: "Participant Commands:"}, []string{"join", "submit", "mine", "mark"}},
	{cobra.Group{ID: "display", Title: "Display Commands:"}, []string{"status", "presence", "watch"}},
	{cobra.Group{ID: "service", Title: "Service Commands:"}, []string{"backend", "mcp", "version"}},
}

func styled(style lipgloss.Style) func(string) string {
	return func(s string) string {
		if isTTY() {
			return style.Render(s)
		}
		return s
	}
}

var helpTemplateFuncs = template.FuncMap{
	"header": styled(helpHeaderStyle),
	"cmd":    styled(helpCmdStyle),
	"muted":  styled(mutedStyle),
}

// helpTemplate lists subcommands under their role group. Commands without a
// group, such as help and completion, come last.
const helpTemplate = `{{with .Long}}{{. | trimTrailingWhitespaces}}

{{end}}{{if or .Runnable .HasSubCommands}}{{header "Usage:"}}
  {{cmd .CommandPath}}{{if .HasAvailableSubCommands}} {{muted "[command]"}}{{end}}{{if .HasAvailableFlags}} {{muted "[flags]"}}{{end}}

{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}{{header "Commands:"}}
{{range $cmds}}{{if .IsAvailableCommand}}  {{cmd (rpad .Name .NamePadding)}} {{.Short}}
{{end}}{{end}}
{{else}}{{range $group := .Groups}}{{header $group.Title}}
{{range $cmds}}{{if and (eq .GroupID $group.ID) .IsAvailableCommand}}  {{cmd (rpad .Name .NamePadding)}} {{.Short}}
{{end}}{{end}}
{{end}}{{if not .AllChildCommandsHaveGroup}}{{header "Other Commands:"}}
{{range $cmds}}{{if and (eq .GroupID "") .IsAvailableCommand}}  {{cmd (rpad .Name .NamePadding)}} {{.Short}}
{{end}}{{end}}
{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}{{header "Flags:"}}
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableInheritedFlags}}{{header "Global Flags:"}}
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableSubCommands}}{{muted "Use"}} {{cmd (printf "%s [command] --help" .CommandPath)}} {{muted "for more information."}}
{{end}}`

// initHelp groups the root commands by role and installs the styled help
// on every command. The root command opens with the banner on a terminal.
// Calling it again is harmless.
func initHelp(cmd *cobra.Command) {
	for name, fn := range helpTemplateFuncs {
		cobra.AddTemplateFunc(name, fn)
	}
	groupCommands(cmd)
	if isTTY() && cmd.Annotations["banner"] == "" {
		cmd.Long = renderBannerWithTagline() + "\n\n" + cmd.Long
		if cmd.Annotations == nil {
			cmd.Annotations = map[string]string{}
		}
		cmd.Annotations["banner"] = "true"
	}
	applyHelpTemplate(cmd)
}

func groupCommands(root *cobra.Command) {
	byName := make(map[string]string)
	for _, g := range commandGroups {
		if !root.ContainsGroup(g.group.ID) {
			group := g.group
			root.AddGroup(&group)
		}
		for _, name := range g.commands {
			byName[name] = g.group.ID
		}
	}
	for _, sub := range root.Commands() {
		if id, ok := byName[sub.Name()]; ok {
			sub.GroupID = id
		}
	}
}

func applyHelpTemplate(cmd *cobra.Command) {
	cmd.SetHelpTemplate(helpTemplate)
	for _, subCmd := range cmd.Commands() {
		applyHelpTemplate(subCmd)
	}
}
