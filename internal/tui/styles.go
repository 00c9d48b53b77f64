package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorYellow    = lipgloss.Color("#E5C07B")
	colorRed       = lipgloss.Color("#FF4141")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	styleStep = lipgloss.NewStyle().Bold(true)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	styleWarning = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleCounts = lipgloss.NewStyle().Foreground(colorLightGray)

	styleHelp = lipgloss.NewStyle().Foreground(colorGray)

	stylePanel = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)
)
