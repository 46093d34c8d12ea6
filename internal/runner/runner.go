// Package runner drives single runs through their lifecycle: submission to
// a scheduler backend, polling to a terminal state, result evaluation, and
// best-effort cancellation. It glues the allocator, status log, scheduler
// adapters and result engine together without owning any state of its own;
// everything durable lives in the run directory.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/config"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/result"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/resultlog"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/sched"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/testspec"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/workdir"
)

// Run is one allocated run the driver operates on.
type Run struct {
	ID     int
	Series int
	Dir    string
	Spec   testspec.Spec
}

// Runner submits, polls and finalizes runs. Safe for concurrent use; the
// adapter cache is the only shared mutable state.
type Runner struct {
	root    workdir.Root
	tracker *status.Tracker
	cfg     *config.Config
	log     *slog.Logger

	mu       sync.Mutex
	adapters map[string]sched.Adapter
}

// New returns a runner for the given working-directory root.
func New(root workdir.Root, tracker *status.Tracker, cfg *config.Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		root:     root,
		tracker:  tracker,
		cfg:      cfg,
		log:      log,
		adapters: make(map[string]sched.Adapter),
	}
}

// RegisterAdapter installs a ready-made adapter under a backend name,
// bypassing the config lookup. Used to pre-wire backends and by tests.
func (r *Runner) RegisterAdapter(name string, a sched.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// adapterFor returns the adapter of a configured backend, building it on
// first use. This is the single spot where backend names are resolved.
func (r *Runner) adapterFor(name string) (sched.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	schedCfg, ok := r.cfg.Schedulers[name]
	if !ok {
		return nil, fmt.Errorf("scheduler %q is not configured", name)
	}
	a, err := sched.New(name, schedCfg, r.cfg.Retry.CommandTimeout())
	if err != nil {
		return nil, err
	}
	r.adapters[name] = a
	return a, nil
}

// Launch submits the run to its scheduler and records SCHEDULED. The job
// command re-invokes this binary's hidden in-job executor inside the run
// directory, on whatever host the backend places it.
func (r *Runner) Launch(ctx context.Context, run Run) error {
	adapter, err := r.adapterFor(run.Spec.Scheduler)
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own binary for job command: %w", err)
	}

	job := sched.Job{
		RunID:   run.ID,
		Name:    run.Spec.Name,
		Dir:     run.Dir,
		Command: fmt.Sprintf("%q _run %q", exe, run.Dir),
	}
	handle, err := adapter.Submit(ctx, job)
	if err != nil {
		return err
	}
	if err := sched.SaveHandle(run.Dir, handle); err != nil {
		return err
	}
	r.log.Info("run submitted", "run", run.ID, "test", run.Spec.Name,
		"backend", run.Spec.Scheduler, "token", handle.Token)

	return r.tracker.Append(run.Dir, status.StateScheduled,
		fmt.Sprintf("backend %s", run.Spec.Scheduler))
}

// WaitTerminal polls the run until it reaches a terminal state, finalizing
// the result when the job finishes. The loop is driven by the configured
// poll interval and stops when ctx is cancelled.
func (r *Runner) WaitTerminal(ctx context.Context, run Run) (status.State, error) {
	interval := r.cfg.Retry.PollInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, done, err := r.PollOnce(ctx, run)
		if err != nil || done {
			return state, err
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce performs one poll step: it inspects the current state, asks the
// backend when the run is still live, and finalizes on completion. done
// reports whether the run reached a terminal state.
func (r *Runner) PollOnce(ctx context.Context, run Run) (status.State, bool, error) {
	current, err := r.tracker.Current(run.Dir)
	if err != nil && !errors.Is(err, status.ErrNoRecords) {
		return "", false, err
	}
	if err == nil && current.State.Terminal() {
		// A cancelled run's job may still finish remotely; keep the
		// outcome as a note without touching the terminal state.
		if current.State == status.StateCancelled {
			r.noteLatePoll(ctx, run)
		}
		return current.State, true, nil
	}

	st, err := r.pollWithRetry(ctx, run)
	if err != nil {
		if ctx.Err() != nil {
			return current.State, false, ctx.Err()
		}
		note := fmt.Sprintf("scheduler backend unreachable: %v", err)
		return status.StateFailed, true, r.finalize(run, result.Verdict{
			Outcome: result.OutcomeError,
			Results: []result.ExprResult{{Outcome: result.OutcomeError, Note: note}},
		}, status.StateFailed, note, -1)
	}

	switch st.State {
	case sched.StateDone:
		return r.finalizeDone(run, st.ExitCode)
	case sched.StateGone:
		note := fmt.Sprintf("scheduler lost track of the job: %s", st.Note)
		return status.StateFailed, true, r.finalize(run, result.Verdict{
			Outcome: result.OutcomeError,
			Results: []result.ExprResult{{Outcome: result.OutcomeError, Note: note}},
		}, status.StateFailed, note, -1)
	}
	return current.State, false, nil
}

// pollWithRetry retries transient poll failures with the configured
// backoff before giving up. Permanent errors surface immediately.
func (r *Runner) pollWithRetry(ctx context.Context, run Run) (sched.Status, error) {
	adapter, err := r.adapterFor(run.Spec.Scheduler)
	if err != nil {
		return sched.Status{}, err
	}
	handle, err := sched.LoadHandle(run.Dir)
	if err != nil {
		return sched.Status{}, err
	}

	ceiling := r.cfg.Retry.PollFailureCeiling
	if ceiling < 1 {
		ceiling = 1
	}
	backoff := r.cfg.Retry.PollBackoff()

	var lastErr error
	for attempt := 0; attempt < ceiling; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return sched.Status{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		st, err := adapter.Poll(ctx, handle)
		if err == nil {
			return st, nil
		}
		var schedErr *sched.SchedulerError
		if !errors.As(err, &schedErr) || !schedErr.Transient {
			return sched.Status{}, err
		}
		lastErr = err
		r.log.Warn("poll failed, retrying", "run", run.ID, "attempt", attempt+1, "error", err)
	}
	return sched.Status{}, lastErr
}

// finalizeDone evaluates the captured output and records the verdict.
func (r *Runner) finalizeDone(run Run, exitCode int) (status.State, bool, error) {
	raw, err := os.ReadFile(r.root.RunOutput(run.ID))
	if err != nil && !os.IsNotExist(err) {
		return "", false, err
	}

	parsed := result.Parse(raw, run.Spec.Parse)
	verdict := result.Evaluate(parsed, run.Spec.Evaluate, exitCode)

	state := status.StateFailed
	note := verdict.Notes()
	if verdict.Outcome == result.OutcomePass {
		state = status.StateComplete
		note = ""
	}
	return state, true, r.finalize(run, verdict, state, note, exitCode)
}

// finalize appends the terminal state, writes the run's result record and
// adds it to the central result log. A run that already reached a terminal
// state (the in-job executor recorded a build failure, or an operator
// cancelled) keeps its state; the verdict becomes an informational note.
func (r *Runner) finalize(run Run, verdict result.Verdict, state status.State, note string, exitCode int) error {
	if err := r.tracker.Append(run.Dir, state, note); err != nil {
		if !errors.Is(err, status.ErrTerminalState) {
			return err
		}
		if nerr := r.tracker.Note(run.Dir, fmt.Sprintf("verdict %s after terminal state: %s",
			verdict.Outcome, note)); nerr != nil {
			return nerr
		}
	}

	rec, err := r.buildRecord(run, verdict, exitCode)
	if err != nil {
		return err
	}
	if err := resultlog.Save(r.root.RunResults(run.ID), rec); err != nil {
		return err
	}
	if err := resultlog.Append(r.root.ResultLog(), rec); err != nil {
		return err
	}
	r.log.Info("run finished", "run", run.ID, "test", run.Spec.Name,
		"result", verdict.Outcome, "exit", exitCode)
	return nil
}

// buildRecord derives the final result record from the status log replay
// and the evaluated verdict.
func (r *Runner) buildRecord(run Run, verdict result.Verdict, exitCode int) (resultlog.Record, error) {
	records, err := r.tracker.Read(run.Dir)
	if err != nil {
		return resultlog.Record{}, err
	}

	rec := resultlog.Record{
		Name:        run.Spec.Name,
		ID:          run.ID,
		Series:      run.Series,
		Result:      verdict.Outcome,
		Finished:    time.Now().UTC(),
		ReturnValue: exitCode,
		Notes:       verdict.Notes(),
	}
	for _, sr := range records {
		switch sr.State {
		case status.StateCreated:
			rec.Created = sr.Time
		case status.StateRunning:
			if rec.Started.IsZero() {
				rec.Started = sr.Time
			}
		}
	}
	if !rec.Started.IsZero() {
		rec.Duration = rec.Finished.Sub(rec.Started).Seconds()
	}

	if raw, err := os.ReadFile(r.root.RunOutput(run.ID)); err == nil {
		rec.Keys = result.Parse(raw, run.Spec.Parse)
	}
	return rec, nil
}

// Cancel requests best-effort cancellation. The run is recorded CANCELLED
// immediately; the remote job may still run to completion, and later polls
// only add informational notes. Cancelling a run that is already terminal
// is a no-op.
func (r *Runner) Cancel(ctx context.Context, run Run) error {
	current, err := r.tracker.Current(run.Dir)
	if err != nil && !errors.Is(err, status.ErrNoRecords) {
		return err
	}
	if err == nil && current.State.Terminal() {
		return nil
	}

	note := "cancelled by operator"
	adapter, aerr := r.adapterFor(run.Spec.Scheduler)
	if aerr == nil {
		if handle, herr := sched.LoadHandle(run.Dir); herr == nil {
			delivered, cerr := adapter.Cancel(ctx, handle)
			switch {
			case cerr != nil:
				note = fmt.Sprintf("cancelled by operator; backend cancel failed: %v", cerr)
			case !delivered:
				note = "cancelled by operator; job already gone from backend"
			}
		}
	}
	return r.tracker.Append(run.Dir, status.StateCancelled, note)
}

// noteLatePoll records what the backend reports for an already-cancelled
// run, for the audit trail only.
func (r *Runner) noteLatePoll(ctx context.Context, run Run) {
	adapter, err := r.adapterFor(run.Spec.Scheduler)
	if err != nil {
		return
	}
	handle, err := sched.LoadHandle(run.Dir)
	if err != nil {
		return
	}
	st, err := adapter.Poll(ctx, handle)
	if err != nil {
		return
	}
	if st.State == sched.StateDone {
		_ = r.tracker.Note(run.Dir,
			fmt.Sprintf("job finished after cancellation with exit code %d", st.ExitCode))
	}
}
