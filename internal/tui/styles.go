package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/dmerrick/platoon/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")).
			PaddingBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252")).
			MarginTop(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	barFillStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#45B7D1"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))

	eventStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("249"))

	nodeStyles = map[models.NodeStatus]lipgloss.Style{
		models.NodePending:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		models.NodeRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC857")),
		models.NodeSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("#96E6A1")),
		models.NodeFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		models.NodeCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}

	runStyles = map[models.RunStatus]lipgloss.Style{
		models.RunRunning:              lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC857")).Bold(true),
		models.RunCompleted:            lipgloss.NewStyle().Foreground(lipgloss.Color("#96E6A1")).Bold(true),
		models.RunCompletedWithIssues:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8E53")).Bold(true),
		models.RunFailed:               lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		models.RunCancelled:            lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Bold(true),
	}
)

// nodeStyle returns the style for a node status, defaulting to pending.
func nodeStyle(s models.NodeStatus) lipgloss.Style {
	if st, ok := nodeStyles[s]; ok {
		return st
	}
	return nodeStyles[models.NodePending]
}

// runStyle returns the style for a run status.
func runStyle(s models.RunStatus) lipgloss.Style {
	if st, ok := runStyles[s]; ok {
		return st
	}
	return runStyles[models.RunRunning]
}
