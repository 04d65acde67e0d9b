package tui

import "github.com/charmbracelet/lipgloss"

// Theme holds the palette shared by the interactive prompts.
type Theme struct {
	Primary lipgloss.Color
	Muted   lipgloss.Color
	Gain    lipgloss.Color
	Loss    lipgloss.Color
	Warning lipgloss.Color
}

// T is the active theme.
var T = Theme{
	Primary: lipgloss.Color("39"),
	Muted:   lipgloss.Color("241"),
	Gain:    lipgloss.Color("82"),
	Loss:    lipgloss.Color("196"),
	Warning: lipgloss.Color("220"),
}

var (
	HelpStyle = lipgloss.NewStyle().Foreground(T.Muted).Italic(true)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(T.Primary).
			Padding(0, 1)

	WarnBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(T.Warning).
			Foreground(T.Warning).
			Bold(true).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().Foreground(T.Muted)
)
