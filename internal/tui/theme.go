package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pt2/internal/backend"
)

// Theme centralizes the monitor's styling.
type Theme struct {
	StatusLaunched  lipgloss.Style
	StatusLaunching lipgloss.Style
	StatusStopping  lipgloss.Style
	StatusStopped   lipgloss.Style
	StatusInvalid   lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
	Doc    lipgloss.Style
}

// NewDefaultTheme returns the default palette.
func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")
	return Theme{
		StatusLaunched:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusLaunching: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusStopping:  lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		StatusStopped:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusInvalid:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Doc: lipgloss.NewStyle().Margin(1, 2),
	}
}

// Symbol renders the status indicator.
func (t Theme) Symbol(s backend.Status) string {
	switch s {
	case backend.StatusLaunched:
		return t.StatusLaunched.Render("●")
	case backend.StatusLaunching:
		return t.StatusLaunching.Render("◉")
	case backend.StatusStopping:
		return t.StatusStopping.Render("◑")
	case backend.StatusInvalid:
		return t.StatusInvalid.Render("∅")
	}
	return t.StatusStopped.Render("○")
}
