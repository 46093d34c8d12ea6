package sched

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Local runs jobs as child processes on the current host. Each job gets
// its own process group so a cancel reaches the whole command tree, and
// the wrapper shell records the exit code on disk so polls survive
// orchestrator restarts.
type Local struct{}

var _ Adapter = (*Local)(nil)

func NewLocal() *Local { return &Local{} }

func (l *Local) Submit(ctx context.Context, job Job) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, &SchedulerError{Backend: "local", Op: "submit", Err: err}
	}
	logPath := filepath.Join(job.Dir, "kickoff.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return Handle{}, &SchedulerError{Backend: "local", Op: "submit", Err: err}
	}
	defer logFile.Close()

	cmd := exec.Command("/bin/sh", "-c", wrapperScript(job))
	cmd.Dir = job.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New process group, so the job keeps running when this process exits
	// and a cancel can signal the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Handle{}, &SchedulerError{Backend: "local", Op: "submit", Err: err}
	}
	// Reap the child if we are still around when it finishes. The exit
	// file, not the wait status, is the source of truth.
	go func() { _ = cmd.Wait() }()

	return Handle{
		Backend:   "local",
		Token:     uuid.NewString(),
		Dir:       job.Dir,
		PID:       cmd.Process.Pid,
		Submitted: time.Now(),
	}, nil
}

func (l *Local) Poll(ctx context.Context, h Handle) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, &SchedulerError{Backend: "local", Op: "poll", Transient: true, Err: err}
	}
	dir, err := handleDir(h)
	if err != nil {
		return Status{}, &SchedulerError{Backend: "local", Op: "poll", Err: err}
	}
	if code, ok := readExit(dir); ok {
		return Status{State: StateDone, ExitCode: code}, nil
	}
	if processAlive(h.PID) {
		return Status{State: StateRunning}, nil
	}
	return Status{
		State: StateGone,
		Note:  fmt.Sprintf("process %d disappeared without recording an exit code", h.PID),
	}, nil
}

func (l *Local) Cancel(ctx context.Context, h Handle) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &SchedulerError{Backend: "local", Op: "cancel", Err: err}
	}
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-h.PID, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return false, nil
		}
		return false, &SchedulerError{Backend: "local", Op: "cancel", Err: err}
	}
	return true, nil
}

// handleDir recovers the run directory a local handle was created for.
// The wrapper's exit file lives next to the handle file, so the handle
// must have been written there before the first poll.
func handleDir(h Handle) (string, error) {
	if h.PID <= 0 {
		return "", fmt.Errorf("handle has no pid")
	}
	if h.Dir == "" {
		return "", fmt.Errorf("handle has no run directory")
	}
	return h.Dir, nil
}

// processAlive reports whether a pid still exists. Signal 0 performs the
// existence check without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
