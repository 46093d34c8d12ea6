//go:build integration

// Package integration holds end-to-end tests driving real local jobs
// through the whole pipeline: submission, exit-file polling, result
// evaluation and the central result log. Run with -tags integration.
package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/config"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/runner"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/sched"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/testspec"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/workdir"
)

// newEnv builds a runner over a fresh working directory with fast polling.
func newEnv(t *testing.T) (workdir.Root, *status.Tracker, *runner.Runner) {
	t.Helper()
	root := workdir.New(t.TempDir())
	if err := root.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	cfg := config.Default()
	cfg.General.WorkingDir = root.Path()
	cfg.Retry.PollIntervalSeconds = 1
	cfg.Retry.PollBackoffSeconds = 0
	cfg.Retry.PollFailureCeiling = 2

	tracker := status.NewTracker(1, time.Millisecond)
	return root, tracker, runner.New(root, tracker, cfg, nil)
}

// startJob allocates run directory 1, freezes the spec and submits the
// given shell command to the local backend the way a series start would,
// except the job command is the raw test payload instead of the in-job
// executor re-invocation.
func startJob(t *testing.T, root workdir.Root, tracker *status.Tracker, spec testspec.Spec, command string) runner.Run {
	t.Helper()
	dir := root.RunDir(1)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := testspec.SaveFrozen(dir, spec); err != nil {
		t.Fatalf("SaveFrozen: %v", err)
	}
	if err := tracker.Append(dir, status.StateCreated, ""); err != nil {
		t.Fatalf("Append CREATED: %v", err)
	}

	adapter := sched.NewLocal()
	handle, err := adapter.Submit(context.Background(), sched.Job{
		RunID:   1,
		Name:    spec.Name,
		Dir:     dir,
		Command: command,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := sched.SaveHandle(dir, handle); err != nil {
		t.Fatalf("SaveHandle: %v", err)
	}
	if err := tracker.Append(dir, status.StateScheduled, "backend local"); err != nil {
		t.Fatalf("Append SCHEDULED: %v", err)
	}
	if err := tracker.Append(dir, status.StateRunning, ""); err != nil {
		t.Fatalf("Append RUNNING: %v", err)
	}

	return runner.Run{ID: 1, Series: 1, Dir: dir, Spec: spec}
}
