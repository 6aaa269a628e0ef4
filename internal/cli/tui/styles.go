package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ccheshirecat/vmdeck/internal/fleet/descriptor"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	alertStyle = boxStyle.BorderForeground(lipgloss.Color("196"))

	lifecycleStyles = map[descriptor.Lifecycle]lipgloss.Style{
		descriptor.Running:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		descriptor.Stopped:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		descriptor.Transitioning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		descriptor.Unknown:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

func lifecycleStyle(l descriptor.Lifecycle) lipgloss.Style {
	if s, ok := lifecycleStyles[l]; ok {
		return s
	}
	return mutedStyle
}
