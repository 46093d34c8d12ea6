package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/testspec"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/workdir"
)

// Exec is the in-job executor: it runs inside the scheduled job, on
// whatever host the backend chose, with the run directory on the shared
// volume as its only link to the orchestrator. It replays the frozen spec,
// records BUILDING/RUNNING in the status log, captures all output, and
// exits with the test command's exit code so the job wrapper can record it.
func Exec(ctx context.Context, dir string) int {
	tracker := status.NewTracker(0, 0)

	spec, err := testspec.LoadFrozen(dir)
	if err != nil {
		_ = tracker.Append(dir, status.StateFailed,
			fmt.Sprintf("loading frozen spec: %v", err))
		return 1
	}

	outPath := filepath.Join(dir, workdir.OutputName)
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		_ = tracker.Append(dir, status.StateFailed,
			fmt.Sprintf("opening output file: %v", err))
		return 1
	}
	defer out.Close()

	if spec.Build != "" {
		_ = tracker.Append(dir, status.StateBuilding, "")
		code := runCommand(ctx, dir, spec.Build, out, 0)
		if code != 0 {
			_ = tracker.Append(dir, status.StateFailed,
				fmt.Sprintf("build command exited %d", code))
			return code
		}
	}

	_ = tracker.Append(dir, status.StateRunning, "")
	code := runCommand(ctx, dir, spec.Run, out, spec.Timeout())
	if ctx.Err() != nil || code == timeoutExitCode {
		_ = tracker.Note(dir, fmt.Sprintf("run command timed out after %s", spec.Timeout()))
	}
	return code
}

// timeoutExitCode marks a command killed by its timeout, mirroring the
// convention of timeout(1).
const timeoutExitCode = 124

// runCommand executes one shell command in the run directory with stdout
// and stderr streamed to the output file. A zero timeout means none.
func runCommand(ctx context.Context, dir, command string, out *os.File, timeout time.Duration) int {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	out.Sync()
	if err == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutExitCode
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	fmt.Fprintf(out, "command failed to start: %v\n", err)
	return 1
}
