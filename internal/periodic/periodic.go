// Package periodic resubmits configured test series on cron schedules. It
// only decides WHEN a series is due; submitting it is the caller's job, so
// the package stays free of scheduler and working-directory concerns.
package periodic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/config"
)

// SubmitFunc submits one due periodic entry.
type SubmitFunc func(ctx context.Context, entry config.PeriodicEntry) error

// Scheduler tracks the periodic entries and their due times.
type Scheduler struct {
	entries map[string]config.PeriodicEntry
	parser  cron.Parser
	log     *slog.Logger

	mu       sync.RWMutex
	lastRun  map[string]time.Time
	running  map[string]bool
	interval time.Duration

	stop chan struct{}
}

// NewScheduler validates the entries and returns a scheduler over them.
func NewScheduler(entries []config.PeriodicEntry, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		entries:  make(map[string]config.PeriodicEntry),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		log:      log,
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		interval: time.Minute,
		stop:     make(chan struct{}),
	}
	for _, entry := range entries {
		if err := validate(entry); err != nil {
			return nil, err
		}
		if _, dup := s.entries[entry.Name]; dup {
			return nil, fmt.Errorf("duplicate periodic entry %q", entry.Name)
		}
		s.entries[entry.Name] = entry
	}
	return s, nil
}

func validate(entry config.PeriodicEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("periodic entry has no name")
	}
	if entry.Schedule == "" {
		return fmt.Errorf("periodic entry %q: schedule is required", entry.Name)
	}
	if _, err := ParseCron(entry.Schedule); err != nil {
		return fmt.Errorf("periodic entry %q: invalid schedule: %w", entry.Name, err)
	}
	if len(entry.Specs) == 0 {
		return fmt.Errorf("periodic entry %q: at least one spec file is required", entry.Name)
	}
	return nil
}

// ParseCron parses a five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Entries returns the entry names in sorted order.
func (s *Scheduler) Entries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextRun returns the next due time of an entry, or the zero time for an
// unknown entry.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(entry.Schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// ShouldRun reports whether an entry is due and not already in flight. An
// entry that never ran is treated as last run a day ago, so a fresh monitor
// picks up daily schedules without waiting a full period.
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[name]
	if !ok || s.running[name] {
		return false
	}
	sched, err := s.parser.Parse(entry.Schedule)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}
	return time.Now().After(sched.Next(lastRun))
}

// MarkRunning marks an entry as in flight.
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks an entry as finished and records its run time.
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// SetCheckInterval overrides how often due entries are checked.
func (s *Scheduler) SetCheckInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

// Start runs the scheduling loop until ctx is cancelled or Stop is called.
// Due entries are submitted concurrently; one slow series never blocks the
// loop or its siblings.
func (s *Scheduler) Start(ctx context.Context, submit SubmitFunc) {
	s.mu.RLock()
	interval := s.interval
	s.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			for name := range s.entries {
				if !s.ShouldRun(name) {
					continue
				}
				entry := s.entries[name]
				s.MarkRunning(name)
				go func(e config.PeriodicEntry) {
					defer s.MarkComplete(e.Name)
					if err := submit(ctx, e); err != nil {
						s.log.Error("periodic series failed", "entry", e.Name, "error", err)
						return
					}
					s.log.Info("periodic series submitted", "entry", e.Name)
				}(entry)
			}
		}
	}
}

// Stop ends the scheduling loop.
func (s *Scheduler) Stop() {
	close(s.stop)
}
