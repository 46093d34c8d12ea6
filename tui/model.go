// Package tui renders a live series view for `hpc-orch status --follow`.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/series"
)

// RefreshFunc produces the current series summary. It runs off the UI
// goroutine, so it may poll scheduler backends.
type RefreshFunc func() (series.Summary, error)

// Model is the TUI application model
type Model struct {
	refresh  RefreshFunc
	interval time.Duration

	summary series.Summary
	err     error

	// UI state
	width       int
	height      int
	selectedRow int
	scroll      int

	lastRefresh time.Time
}

// NewModel creates a new TUI model following one series
func NewModel(refresh RefreshFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		refresh:  refresh,
		interval: interval,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		refreshCmd(m.refresh),
		tickCmd(m.interval),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// SummaryMsg carries a fresh series summary
type SummaryMsg struct {
	Summary series.Summary
	Err     error
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func refreshCmd(refresh RefreshFunc) tea.Cmd {
	return func() tea.Msg {
		summary, err := refresh()
		return SummaryMsg{Summary: summary, Err: err}
	}
}
