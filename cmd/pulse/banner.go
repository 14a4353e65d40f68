package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerDimStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	bannerBeatStyle    = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorPrimaryDark).Italic(true)
	bannerVersionStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func renderBanner() string {
	flat := bannerDimStyle.Render("──")
	beat := bannerBeatStyle.Render("╱╲╱")
	title := bannerTitleStyle.Render("PULSE")

	lines := []string{
		"   " + flat + beat + flat + beat + flat,
		"         " + title,
	}
	return strings.Join(lines, "\n")
}

func renderBannerWithTagline() string {
	banner := renderBanner()
	tagline := bannerTaglineStyle.Render("    every voice in the room")
	ver := bannerVersionStyle.Render("          " + version)

	return strings.Join([]string{banner, tagline, ver}, "\n")
}
