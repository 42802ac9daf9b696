package queue

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gpuscheduler/gpu-scheduler/internal/task"
)

// CommandRunner abstracts child-process execution so tests never fork
// a real shell. The production implementation is shellRunner below.
type CommandRunner interface {
	// Run executes command with env appended to a fresh copy of the
	// process environment (never a mutated global one, per spec §9),
	// in workDir, bounded by a hard timeout. It returns the classified
	// error kind on failure, or nil on a zero exit.
	Run(ctx context.Context, command string, env []string, workDir string, timeout time.Duration) error
}

// commandError tags a CommandRunner failure with the error kind
// spec §4.5/§7 requires (exit_code_<n>, timeout, or spawn_error).
type commandError struct {
	kind task.ErrorKind
	err  error
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

// shellRunner is the production CommandRunner: os/exec.CommandContext
// with a per-command timeout and a fresh environment copy per run.
type shellRunner struct{}

// NewShellRunner returns the production CommandRunner.
func NewShellRunner() CommandRunner { return shellRunner{} }

func (shellRunner) Run(ctx context.Context, command string, env []string, workDir string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = append(append([]string{}, os.Environ()...), env...)

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &commandError{kind: task.ErrorTimeout, err: fmt.Errorf("command timed out after %s: %s", timeout, command)}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return &commandError{kind: task.ExitCodeError(exitErr.ExitCode()), err: fmt.Errorf("command exited %d: %s", exitErr.ExitCode(), command)}
	}
	return &commandError{kind: task.ErrorSpawn, err: fmt.Errorf("failed to spawn command %q: %w", command, err)}
}

// runCommands executes t's command list sequentially in w.coord.Runner,
// injecting a CUDA_VISIBLE_DEVICES-style device mask and substituting
// the {work_dir} placeholder (spec §4.6/§6).
func (w *Worker) runCommands(ctx context.Context, t *task.Task, devices []int) error {
	mask := deviceMask(devices)
	env := []string{"CUDA_VISIBLE_DEVICES=" + mask}

	for _, raw := range t.Commands {
		command := strings.ReplaceAll(raw, "{work_dir}", t.WorkDir)
		if err := w.coord.Runner.Run(ctx, command, env, t.WorkDir, commandTimeout); err != nil {
			return err
		}
	}
	return nil
}

// deviceMask formats devices ascending, comma-joined, as the child
// process's CUDA_VISIBLE_DEVICES value (spec §6).
func deviceMask(devices []int) string {
	sorted := append([]int(nil), devices...)
	sort.Ints(sorted)

	parts := make([]string, len(sorted))
	for i, d := range sorted {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
