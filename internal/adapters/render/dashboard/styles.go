package dashboard

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title      lipgloss.Style
	header     lipgloss.Style
	section    lipgloss.Style
	heading    lipgloss.Style
	session    lipgloss.Style
	detail     lipgloss.Style
	meta       lipgloss.Style
	warning    lipgloss.Style
	banner     lipgloss.Style
	empty      lipgloss.Style
	status     lipgloss.Style
	full       lipgloss.Style
	barBracket lipgloss.Style
	barFill    lipgloss.Style
	barEmpty   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:      lipgloss.NewStyle().Bold(true),
		header:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		section:    lipgloss.NewStyle().MarginTop(1),
		heading:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		session:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		detail:     lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		meta:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		warning:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		banner:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("203")).Padding(0, 1),
		empty:      lipgloss.NewStyle().Faint(true),
		status:     lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		full:       lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		barBracket: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		barFill:    lipgloss.NewStyle().Foreground(lipgloss.Color("159")),
		barEmpty:   lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
	}
}
