// Package watch is the live terminal monitor for a radar API server: queue
// depth, campaigns in flight, jobs running on workers and the raw event
// stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds the panel and status styles.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

// Phosphor-green scope palette.
var (
	colorSweep  = lipgloss.AdaptiveColor{Light: "#1B7F3B", Dark: "#39FF88"}
	colorBlip   = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#FFC857"}
	colorAlarm  = lipgloss.AdaptiveColor{Light: "#B42318", Dark: "#FF5A5F"}
	colorGrid   = lipgloss.AdaptiveColor{Light: "#4B6B57", Dark: "#2E6B47"}
	colorLabel  = lipgloss.AdaptiveColor{Light: "#0B3D2E", Dark: "#C8FFE0"}
	colorFaded  = lipgloss.AdaptiveColor{Light: "#7A8A80", Dark: "#6B7F73"}
	colorUnlit  = lipgloss.AdaptiveColor{Light: "#C9D3CC", Dark: "#1F3329"}
	colorBright = lipgloss.AdaptiveColor{Light: "#005F5F", Dark: "#7FE7FF"}
)

func NewTheme() Theme {
	fg := func(c lipgloss.TerminalColor) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

	return Theme{
		StatusOK:      fg(colorSweep),
		StatusRunning: fg(colorBlip),
		StatusFailed:  fg(colorAlarm).Bold(true),

		Border:    lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(colorGrid),
		Title:     fg(colorLabel).Bold(true).Padding(0, 1),
		Header:    fg(colorBright).Bold(true),
		Dim:       fg(colorFaded),
		Highlight: fg(colorBlip).Bold(true),

		TickerActive:   fg(colorSweep),
		TickerInactive: fg(colorUnlit),
	}
}
