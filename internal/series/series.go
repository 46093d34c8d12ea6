// Package series groups runs into series: one submission of N test specs
// becomes N runs sharing a series ID. The series directory holds only the
// membership file; everything else lives with the individual runs, so any
// process that can see the working directory can report on or drive a
// series it did not start.
package series

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/config"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/idalloc"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/runner"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/testspec"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/workdir"
)

// Manager starts and reports on series.
type Manager struct {
	root    workdir.Root
	alloc   *idalloc.Allocator
	tracker *status.Tracker
	runner  *runner.Runner
	cfg     *config.Config
	log     *slog.Logger
}

// NewManager returns a manager over the given working-directory root.
func NewManager(root workdir.Root, alloc *idalloc.Allocator, tracker *status.Tracker,
	run *runner.Runner, cfg *config.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		root:    root,
		alloc:   alloc,
		tracker: tracker,
		runner:  run,
		cfg:     cfg,
		log:     log,
	}
}

// Start allocates a series and submits one run per spec. Submissions are
// bounded by max_parallel_submits; a run that fails to submit is recorded
// FAILED in its own directory and never aborts its siblings. The returned
// error aggregates per-run submission failures; the series ID is valid
// whenever at least the series itself was allocated.
func (m *Manager) Start(ctx context.Context, specs []testspec.Spec) (int, error) {
	if len(specs) == 0 {
		return 0, errors.New("series needs at least one test spec")
	}
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return 0, fmt.Errorf("spec %q: %w", specs[i].Name, err)
		}
	}

	seriesID, err := m.alloc.Allocate(m.root.SeriesNamespace())
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(m.root.SeriesMembers(seriesID), nil, 0644); err != nil {
		return seriesID, fmt.Errorf("creating membership file: %w", err)
	}
	m.log.Info("series started", "series", seriesID, "runs", len(specs))

	limit := m.cfg.General.MaxParallelSubmits
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	var mu sync.Mutex
	var failures []error

	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			if err := m.launchOne(ctx, seriesID, spec); err != nil {
				m.log.Error("run submission failed", "series", seriesID,
					"test", spec.Name, "error", err)
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", spec.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return seriesID, errors.Join(failures...)
}

// launchOne allocates, freezes and submits a single run. After the run
// directory exists, any failure is recorded there as FAILED so the series
// report accounts for the run either way.
func (m *Manager) launchOne(ctx context.Context, seriesID int, spec testspec.Spec) error {
	runID, err := m.alloc.Allocate(m.root.RunsNamespace())
	if err != nil {
		return err
	}
	dir := m.root.RunDir(runID)

	fail := func(err error) error {
		_ = m.tracker.Append(dir, status.StateFailed,
			fmt.Sprintf("submission failed: %v", err))
		return err
	}

	if err := testspec.SaveFrozen(dir, spec); err != nil {
		return fail(err)
	}
	if err := m.tracker.Append(dir, status.StateCreated,
		fmt.Sprintf("series %s test %s", idalloc.FormatID(seriesID), spec.Name)); err != nil {
		return err
	}
	if err := m.addMember(seriesID, runID); err != nil {
		return fail(err)
	}
	if err := m.runner.Launch(ctx, runner.Run{
		ID:     runID,
		Series: seriesID,
		Dir:    dir,
		Spec:   spec,
	}); err != nil {
		return fail(err)
	}
	return nil
}

// addMember appends one run ID to the membership file with a single
// O_APPEND write, the same discipline as the status log.
func (m *Manager) addMember(seriesID, runID int) error {
	f, err := os.OpenFile(m.root.SeriesMembers(seriesID),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(idalloc.FormatID(runID) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// Members returns the series' run IDs in ascending order. Runs whose
// directories were pruned are dropped from the listing.
func (m *Manager) Members(seriesID int) ([]int, error) {
	return Members(m.root, seriesID)
}

// Members reads a series' membership file from the working directory. Any
// process sharing the volume can use this without a manager.
func Members(root workdir.Root, seriesID int) ([]int, error) {
	data, err := os.ReadFile(root.SeriesMembers(seriesID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("series %s not found", idalloc.FormatID(seriesID))
		}
		return nil, err
	}

	var ids []int
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := idalloc.ParseID(line)
		if err != nil {
			continue
		}
		if _, err := os.Stat(root.RunDir(id)); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// MemberStatus is one run's line in a series report.
type MemberStatus struct {
	RunID int
	Name  string
	State status.State
	Note  string
}

// Summary is the state of a series at one point in time.
type Summary struct {
	Series  int
	Members []MemberStatus
	Counts  map[status.State]int
	Done    bool
}

// Outcome renders the pass/fail tally of a finished series.
func (s Summary) Outcome() string {
	return fmt.Sprintf("%d passed, %d failed, %d cancelled",
		s.Counts[status.StateComplete],
		s.Counts[status.StateFailed],
		s.Counts[status.StateCancelled])
}

// Status reports the series. Reporting is cooperative: members whose jobs
// have finished are finalized on the way, so whichever process asks first
// advances the state for everyone.
func (m *Manager) Status(ctx context.Context, seriesID int) (Summary, error) {
	ids, err := m.Members(seriesID)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Series: seriesID,
		Counts: make(map[status.State]int),
		Done:   true,
	}
	for _, id := range ids {
		member, err := m.pollMember(ctx, seriesID, id)
		if err != nil {
			return Summary{}, err
		}
		summary.Members = append(summary.Members, member)
		summary.Counts[member.State]++
		if !member.State.Terminal() {
			summary.Done = false
		}
	}
	return summary, nil
}

// pollMember reads one member's state, asking the scheduler backend when
// the run is not terminal yet. Poll failures degrade to the last recorded
// state so one unreachable backend cannot break the whole report.
func (m *Manager) pollMember(ctx context.Context, seriesID, runID int) (MemberStatus, error) {
	dir := m.root.RunDir(runID)
	member := MemberStatus{RunID: runID}

	spec, err := testspec.LoadFrozen(dir)
	if err != nil {
		return member, fmt.Errorf("run %s: %w", idalloc.FormatID(runID), err)
	}
	member.Name = spec.Name

	current, err := m.tracker.Current(dir)
	if err != nil {
		if errors.Is(err, status.ErrNoRecords) {
			member.State = status.StateCreated
			return member, nil
		}
		return member, err
	}
	member.State = current.State
	member.Note = current.Note
	if current.State.Terminal() {
		return member, nil
	}

	run := runner.Run{ID: runID, Series: seriesID, Dir: dir, Spec: spec}
	state, done, err := m.runner.PollOnce(ctx, run)
	if err != nil {
		m.log.Warn("member poll failed", "series", seriesID, "run", runID, "error", err)
		return member, nil
	}
	if done || state != "" {
		member.State = state
		if latest, err := m.tracker.Current(dir); err == nil {
			member.Note = latest.Note
		}
	}
	return member, nil
}

// Watch polls the series until every member is terminal, returning the
// final summary. The loop runs on the configured poll interval and stops
// early when ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, seriesID int) (Summary, error) {
	interval := m.cfg.Retry.PollInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := m.Status(ctx, seriesID)
		if err != nil {
			return summary, err
		}
		if summary.Done {
			m.log.Info("series finished", "series", seriesID, "outcome", summary.Outcome())
			return summary, nil
		}
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation of every non-terminal member. Best effort;
// the first error is reported after all members were attempted.
func (m *Manager) Cancel(ctx context.Context, seriesID int) error {
	ids, err := m.Members(seriesID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range ids {
		dir := m.root.RunDir(id)
		spec, err := testspec.LoadFrozen(dir)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		run := runner.Run{ID: id, Series: seriesID, Dir: dir, Spec: spec}
		if err := m.runner.Cancel(ctx, run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
