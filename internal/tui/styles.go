package tui

import "github.com/charmbracelet/lipgloss"

type theme struct {
	header      lipgloss.Style
	panel       lipgloss.Style
	user        lipgloss.Style
	agent       lipgloss.Style
	errorText   lipgloss.Style
	pending     lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	helpText    lipgloss.Style
	inputPanel  lipgloss.Style
}

func newTheme() theme {
	accent := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	muted := lipgloss.Color("#9ca3d8")

	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(accent).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		user:        lipgloss.NewStyle().Foreground(mint).Bold(true),
		agent:       lipgloss.NewStyle().Foreground(accent).Bold(true),
		errorText:   lipgloss.NewStyle().Foreground(pink),
		pending:     lipgloss.NewStyle().Foreground(muted).Italic(true),
		status:      lipgloss.NewStyle().Foreground(accent),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		helpText:    lipgloss.NewStyle().Foreground(muted),
		inputPanel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 1),
	}
}
