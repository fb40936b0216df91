package tui

import "github.com/charmbracelet/lipgloss"

var (
	primary    = lipgloss.Color("#7C3AED")
	okColor    = lipgloss.Color("#10B981")
	warnColor  = lipgloss.Color("#F59E0B")
	errColor   = lipgloss.Color("#EF4444")
	mutedColor = lipgloss.Color("#6B7280")
	white      = lipgloss.Color("#FFFFFF")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primary).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	statusOK = lipgloss.NewStyle().
			Foreground(okColor).
			Bold(true)

	statusWarn = lipgloss.NewStyle().
			Foreground(warnColor).
			Bold(true)

	statusErr = lipgloss.NewStyle().
			Foreground(errColor).
			Bold(true)

	tabActive = lipgloss.NewStyle().
			Foreground(white).
			Background(primary).
			Padding(0, 2).
			Bold(true)

	tabInactive = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	tableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(primary)

	metricCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 2).
			Width(18).
			Align(lipgloss.Center)

	metricValue = lipgloss.NewStyle().
			Bold(true).
			Foreground(okColor)

	metricLabel = lipgloss.NewStyle().
			Foreground(mutedColor)
)
