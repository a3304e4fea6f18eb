package report

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for CLI reports.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	label      lipgloss.Style
	value      lipgloss.Style
	ok         lipgloss.Style
	warn       lipgloss.Style
	bad        lipgloss.Style
	hint       lipgloss.Style
	box        lipgloss.Style
	errorBox   lipgloss.Style
	errorTitle lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("88")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("180")).
			Width(18),
		value: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),
		ok: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		warn: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		bad: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("109")).
			Padding(0, 1),
		errorBox: lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("203")).
			Foreground(lipgloss.Color("203")).
			Padding(0, 1),
		errorTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Padding(0, 1),
	}
}
