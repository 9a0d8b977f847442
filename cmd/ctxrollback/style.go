package main

import "github.com/charmbracelet/lipgloss"

var (
	styleBanner  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleStatus  = map[string]lipgloss.Style{
		"pending":   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"completed": lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"failed":    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
)

func renderStatus(status string) string {
	if s, ok := styleStatus[status]; ok {
		return s.Render("[" + status + "]")
	}
	return "[" + status + "]"
}
