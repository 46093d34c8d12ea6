package sched

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/config"
)

// Queue talks to a batch scheduler through its command line tools. The
// three command templates come from configuration, so one adapter covers
// Slurm, PBS and anything else with submit/status/cancel commands.
//
// Template placeholders: {script} expands to the kickoff script path on
// submit, {job_id} to the backend job id on status and cancel.
type Queue struct {
	name    string
	cfg     config.SchedulerConfig
	timeout time.Duration
	idRe    *regexp.Regexp
}

var _ Adapter = (*Queue)(nil)

func NewQueue(name string, cfg config.SchedulerConfig, cmdTimeout time.Duration) (*Queue, error) {
	if cfg.SubmitCommand == "" || cfg.StatusCommand == "" {
		return nil, fmt.Errorf("scheduler %s: submit_command and status_command are required", name)
	}
	pattern := cfg.JobIDPattern
	if pattern == "" {
		pattern = `(\d+)`
	}
	idRe, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("scheduler %s: job_id_pattern: %w", name, err)
	}
	if cmdTimeout <= 0 {
		cmdTimeout = 30 * time.Second
	}
	return &Queue{name: name, cfg: cfg, timeout: cmdTimeout, idRe: idRe}, nil
}

func (q *Queue) Submit(ctx context.Context, job Job) (Handle, error) {
	script := filepath.Join(job.Dir, KickoffFile)
	content := "#!/bin/sh\n" + wrapperScript(job)
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		return Handle{}, &SchedulerError{Backend: q.name, Op: "submit", Err: err}
	}

	out, err := q.run(ctx, expand(q.cfg.SubmitCommand, "{script}", script), job.Dir)
	if err != nil {
		return Handle{}, &SchedulerError{Backend: q.name, Op: "submit", Err: err}
	}
	m := q.idRe.FindStringSubmatch(out)
	if m == nil {
		return Handle{}, &SchedulerError{
			Backend: q.name, Op: "submit",
			Err: fmt.Errorf("no job id in submit output %q", strings.TrimSpace(out)),
		}
	}
	id := m[0]
	if len(m) > 1 {
		id = m[1]
	}
	return Handle{
		Backend:   q.name,
		Token:     uuid.NewString(),
		Dir:       job.Dir,
		BackendID: id,
		Submitted: time.Now(),
	}, nil
}

func (q *Queue) Poll(ctx context.Context, h Handle) (Status, error) {
	out, err := q.run(ctx, expand(q.cfg.StatusCommand, "{job_id}", h.BackendID), h.Dir)
	if err != nil {
		// Some queues error out on finished jobs. If the wrapper already
		// recorded an exit code the job is simply done; otherwise the
		// backend is unreachable and worth retrying.
		if code, ok := readExit(h.Dir); ok {
			return Status{State: StateDone, ExitCode: code}, nil
		}
		return Status{}, &SchedulerError{Backend: q.name, Op: "poll", Transient: true, Err: err}
	}

	token := strings.TrimSpace(out)
	switch {
	case matchesState(token, q.cfg.PendingStates):
		return Status{State: StatePending, Note: token}, nil
	case matchesState(token, q.cfg.RunningStates):
		return Status{State: StateRunning, Note: token}, nil
	}

	// The queue no longer reports the job. The exit file decides between
	// a normal finish and a job the scheduler lost.
	if code, ok := readExit(h.Dir); ok {
		return Status{State: StateDone, ExitCode: code}, nil
	}
	note := fmt.Sprintf("job %s left the queue without recording an exit code", h.BackendID)
	if token != "" {
		note = fmt.Sprintf("job %s reported state %q and recorded no exit code", h.BackendID, token)
	}
	return Status{State: StateGone, Note: note}, nil
}

func (q *Queue) Cancel(ctx context.Context, h Handle) (bool, error) {
	if q.cfg.CancelCommand == "" {
		return false, &SchedulerError{
			Backend: q.name, Op: "cancel",
			Err: fmt.Errorf("no cancel_command configured"),
		}
	}
	if _, err := q.run(ctx, expand(q.cfg.CancelCommand, "{job_id}", h.BackendID), h.Dir); err != nil {
		return false, &SchedulerError{Backend: q.name, Op: "cancel", Err: err}
	}
	return true, nil
}

// run executes one backend command under the configured timeout and
// returns its stdout. Stderr rides along on the error.
func (q *Queue) run(ctx context.Context, cmdline, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("%q: %w", cmdline, err)
		}
		return "", fmt.Errorf("%q: %w: %s", cmdline, err, msg)
	}
	return stdout.String(), nil
}

func expand(template, placeholder, value string) string {
	return strings.ReplaceAll(template, placeholder, value)
}

// matchesState reports whether any whitespace-separated token of the
// status output is one of the configured state names.
func matchesState(output string, states []string) bool {
	if len(states) == 0 {
		return false
	}
	for _, field := range strings.Fields(output) {
		for _, state := range states {
			if strings.EqualFold(field, state) {
				return true
			}
		}
	}
	return false
}
