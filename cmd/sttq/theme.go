package main

import "github.com/charmbracelet/lipgloss"

// theme holds the styles of the CLI reports.
type theme struct {
	ok     lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
}

func newTheme() theme {
	return theme{
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")), // green
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")), // yellow
		fail:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),  // red
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
	}
}
