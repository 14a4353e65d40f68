package main

import (
	"github.com/spf13/cobra"

	"github.com/hyperengineering/pulse"
)

const defaultBaseURL = "http://localhost:5173"

var linksBaseURL = defaultBaseURL

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "Print the participant join link and the display link",
	Args:  cobra.NoArgs,
	RunE:  runLinks,
}

func init() {
	linksCmd.Flags().StringVar(&linksBaseURL, "base-url", defaultBaseURL, "Base URL of the web app")
	rootCmd.AddCommand(linksCmd)
}

func runLinks(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(pulse.RoleCoordinator).WithDefaults()
	if err := cfg.Validate(); err != nil {
		return validateConfig(err)
	}
	join := pulse.JoinURL(linksBaseURL, cfg.SessionID)
	display := pulse.DisplayURL(linksBaseURL, cfg.SessionID)

	if outputJSON {
		return outputAsJSON(cmd, map[string]string{
			"session": cfg.SessionID,
			"join":    join,
			"display": display,
		})
	}
	out := cmd.OutOrStdout()
	printField(out, "Session", cfg.SessionID)
	printField(out, "Join", join)
	printField(out, "Display", display)
	return nil
}
