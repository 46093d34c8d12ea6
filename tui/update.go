package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, refreshCmd(m.refresh)
		case "j", "down":
			if m.selectedRow < len(m.summary.Members)-1 {
				m.selectedRow++
			}
			maxVisible := m.visibleRows()
			if m.selectedRow >= m.scroll+maxVisible {
				m.scroll = m.selectedRow - maxVisible + 1
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
			if m.selectedRow < m.scroll {
				m.scroll = m.selectedRow
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(refreshCmd(m.refresh), tickCmd(m.interval))

	case SummaryMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.summary = msg.Summary
			m.lastRefresh = time.Now()
			if m.selectedRow >= len(m.summary.Members) {
				m.selectedRow = 0
				m.scroll = 0
			}
		}
		return m, nil
	}

	return m, nil
}

// visibleRows reports how many member rows fit below the chrome.
func (m Model) visibleRows() int {
	rows := m.height - 6
	if rows < 1 {
		rows = 12
	}
	return rows
}
