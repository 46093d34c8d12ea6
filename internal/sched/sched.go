// Package sched dispatches runs to scheduler backends and polls them. The
// Adapter interface is the whole contract: orchestration code picks a
// backend by name once at submission time and never branches on backend
// identity afterward.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/config"
)

// JobState is what a backend reports for a job.
type JobState string

const (
	StatePending JobState = "PENDING"
	StateRunning JobState = "RUNNING"
	StateDone    JobState = "DONE"
	StateGone    JobState = "GONE"
)

// Status is one poll result. ExitCode is only meaningful for DONE. Note
// carries backend detail such as the raw queue state token.
type Status struct {
	State    JobState
	ExitCode int
	Note     string
}

// Job describes one submission. Command is the full command line the
// backend wrapper executes inside the run directory; the wrapper records
// its exit code in the run directory so polls keep answering after any
// orchestrator process restarts.
type Job struct {
	RunID   int
	Name    string
	Dir     string
	Command string
}

// Handle identifies a submitted job. It serializes into the run directory
// so any orchestrator process sharing the volume can poll or cancel it.
type Handle struct {
	Backend   string    `json:"backend"`
	Token     string    `json:"token"`
	Dir       string    `json:"dir"`
	PID       int       `json:"pid,omitempty"`
	BackendID string    `json:"backend_id,omitempty"`
	Submitted time.Time `json:"submitted"`
}

// Adapter is the scheduler backend contract: submit, poll, cancel. Poll is
// non-blocking and idempotent; a DONE job keeps reporting the same exit
// code forever. Cancel is best-effort and reports whether a cancellation
// was actually delivered.
type Adapter interface {
	Submit(ctx context.Context, job Job) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
	Cancel(ctx context.Context, h Handle) (bool, error)
}

// SchedulerError reports a submit, poll or cancel failure. Transient
// failures (backend temporarily unreachable) are worth retrying with
// backoff; permanent ones fail the run.
type SchedulerError struct {
	Backend   string
	Op        string
	Transient bool
	Err       error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// New builds the adapter for a configured backend. This is the only place
// backend identity is inspected.
func New(name string, cfg config.SchedulerConfig, cmdTimeout time.Duration) (Adapter, error) {
	switch cfg.Type {
	case "local":
		return NewLocal(), nil
	case "queue":
		return NewQueue(name, cfg, cmdTimeout)
	}
	return nil, fmt.Errorf("scheduler %s: unknown type %q", name, cfg.Type)
}

const (
	// HandleFile persists the job handle inside the run directory.
	HandleFile = "job.json"
	// ExitFile is written by the job wrapper when the command finishes.
	ExitFile = "exit"
	// KickoffFile is the generated script a queue backend submits.
	KickoffFile = "job.sh"
)

// SaveHandle writes the handle into the run directory.
func SaveHandle(dir string, h Handle) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, HandleFile), data, 0644)
}

// LoadHandle reads a handle previously saved into a run directory.
func LoadHandle(dir string) (Handle, error) {
	var h Handle
	data, err := os.ReadFile(filepath.Join(dir, HandleFile))
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("handle in %s: %w", dir, err)
	}
	return h, nil
}

// wrapperScript builds the shell fragment that runs the job command and
// records its exit code. The exit file is written by the wrapper shell, so
// it appears even when the submitting orchestrator process is long gone.
func wrapperScript(job Job) string {
	return fmt.Sprintf("{ %s\n} ; echo $? > %s\n",
		job.Command, filepath.Join(job.Dir, ExitFile))
}

// readExit reads the wrapper's exit file. A missing or still-incomplete
// file means the job has not finished.
func readExit(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, ExitFile))
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}
