// Package process runs external collaborator commands (validation checks,
// cleanup actions, bootstrap scripts, agent workers) in their own process
// group so a timeout or shutdown terminates the whole subprocess tree.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Spec describes one shell command invocation.
type Spec struct {
	Command string        // Run through "sh -c"
	Dir     string        // Working directory
	Env     []string      // Extra KEY=VALUE pairs appended to the current environment
	Timeout time.Duration // Zero means no timeout beyond ctx
}

// Result is the outcome of a command that started.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Duration time.Duration
}

// Passed reports whether the command exited zero within its deadline.
func (r Result) Passed() bool { return r.ExitCode == 0 && !r.TimedOut }

// Runner starts commands and tracks them so they can all be killed on shutdown.
type Runner struct {
	pm *Manager
}

// NewRunner creates a Runner. pm may be nil.
func NewRunner(pm *Manager) *Runner {
	return &Runner{pm: pm}
}

// Run executes spec and waits for it. The returned error is non-nil only when
// the command could not be started or waited on; a nonzero exit or a timeout
// is reported through Result.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Command == "" {
		return Result{}, errors.New("empty command")
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := newCommand(runCtx, "sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	start := time.Now()
	stdout, stderr, waitErr := r.execute(cmd)
	res := Result{
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
	}

	if waitErr == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if runCtx.Err() != nil {
			res.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
			if res.ExitCode == 0 {
				res.ExitCode = -1
			}
		}
		return res, nil
	}
	return res, waitErr
}

// execute runs cmd with the concurrent pipe-draining pattern: both pipes are
// read to EOF before cmd.Wait so a chatty subprocess cannot block on a full
// pipe buffer.
func (r *Runner) execute(cmd *exec.Cmd) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if r.pm != nil {
		r.pm.Track(cmd)
		defer r.pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), waitErr
}

// newCommand creates an exec.Cmd in its own process group. Cancelling ctx
// kills the whole group, not just the shell.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// killProcessGroup sends SIGKILL to the process group of cmd.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// Manager tracks running subprocesses so shutdown can terminate them all.
type Manager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewManager creates a Manager.
func NewManager() *Manager {
	return &Manager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pm *Manager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it exited.
func (pm *Manager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked subprocess group.
func (pm *Manager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked subprocesses.
func (pm *Manager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
