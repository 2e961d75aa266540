package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/example/reading-sync/internal/progress"
)

var (
	colorGreen  = lipgloss.Color("#22C55E")
	colorYellow = lipgloss.Color("#EAB308")
	colorRed    = lipgloss.Color("#EF4444")
	colorCyan   = lipgloss.Color("#06B6D4")
	colorGray   = lipgloss.Color("#6B7280")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	DimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	HintStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	badgeBase = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true)
)

// Badge renders a sync status as a short coloured label.
func Badge(s progress.Status) string {
	style := badgeBase.Foreground(colorGray)
	switch s.Kind {
	case progress.StatusSyncing:
		style = badgeBase.Foreground(colorCyan)
	case progress.StatusSuccess:
		style = badgeBase.Foreground(colorGreen)
	case progress.StatusOffline:
		style = badgeBase.Foreground(colorYellow)
	case progress.StatusFailed:
		style = badgeBase.Foreground(colorRed)
	}
	return style.Render(s.String())
}
