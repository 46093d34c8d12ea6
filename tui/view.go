package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	completeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	cancelledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// stateStyle picks the display style for a run state.
func stateStyle(st status.State) lipgloss.Style {
	switch st {
	case status.StateComplete:
		return completeStyle
	case status.StateFailed:
		return failedStyle
	case status.StateCancelled:
		return cancelledStyle
	case status.StateRunning, status.StateBuilding:
		return runningStyle
	default:
		return pendingStyle
	}
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	terminal := m.summary.Counts[status.StateComplete] +
		m.summary.Counts[status.StateFailed] +
		m.summary.Counts[status.StateCancelled]
	header := fmt.Sprintf(" Series %07d │ %d/%d done │ %s ",
		m.summary.Series, terminal, len(m.summary.Members), m.summary.Outcome())
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderMembers()))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf(" refresh failed: %v", m.err)))
		b.WriteString("\n")
	}

	footer := " q quit │ r refresh │ j/k move "
	if !m.lastRefresh.IsZero() {
		footer += fmt.Sprintf("│ updated %s ", m.lastRefresh.Format("15:04:05"))
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(footer))

	return b.String()
}

func (m Model) renderMembers() string {
	if len(m.summary.Members) == 0 {
		return pendingStyle.Render("no runs yet")
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-9s %-24s %-10s %s\n", "RUN", "TEST", "STATE", "NOTE"))

	maxVisible := m.visibleRows()
	end := m.scroll + maxVisible
	if end > len(m.summary.Members) {
		end = len(m.summary.Members)
	}
	for i := m.scroll; i < end; i++ {
		member := m.summary.Members[i]

		name := member.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		note := member.Note
		if maxNote := m.width - 52; maxNote > 3 && len(note) > maxNote {
			note = note[:maxNote-3] + "..."
		}

		// Pad before styling so the ANSI codes do not skew the columns.
		state := stateStyle(member.State).Render(fmt.Sprintf("%-10s", member.State))
		line := fmt.Sprintf("%07d   %-24s %s %s", member.RunID, name, state, note)
		if i == m.selectedRow {
			line = selectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if end < len(m.summary.Members) {
		b.WriteString(pendingStyle.Render(fmt.Sprintf("  ... %d more", len(m.summary.Members)-end)))
	}
	return b.String()
}
