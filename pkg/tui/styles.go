package tui

import "github.com/charmbracelet/lipgloss"

// Theme is the dashboard's palette and base styles.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
	Text    lipgloss.Color
	TextDim lipgloss.Color

	Title         lipgloss.Style
	Border        lipgloss.Style
	Keybind       lipgloss.Style
	KeybindKey    lipgloss.Style
	StatusRunning lipgloss.Style
	StatusStopped lipgloss.Style
	EventInfo     lipgloss.Style
	EventError    lipgloss.Style
}

func DefaultTheme() Theme {
	primary := lipgloss.Color("#06B6D4")
	success := lipgloss.Color("#22C55E")
	errorC := lipgloss.Color("#EF4444")
	muted := lipgloss.Color("#6B7280")
	text := lipgloss.Color("#F9FAFB")
	textDim := lipgloss.Color("#9CA3AF")

	return Theme{
		Primary: primary,
		Success: success,
		Error:   errorC,
		Muted:   muted,
		Text:    text,
		TextDim: textDim,

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(text),

		Border: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted),

		Keybind: lipgloss.NewStyle().
			Foreground(textDim),

		KeybindKey: lipgloss.NewStyle().
			Bold(true).
			Foreground(primary),

		StatusRunning: lipgloss.NewStyle().
			Foreground(success),

		StatusStopped: lipgloss.NewStyle().
			Foreground(muted),

		EventInfo: lipgloss.NewStyle().
			Foreground(textDim),

		EventError: lipgloss.NewStyle().
			Foreground(errorC),
	}
}
