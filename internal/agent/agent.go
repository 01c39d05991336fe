// Package agent runs the external coding agent that performs a task's work.
// One agent invocation is one attempt; the agent reports progress back
// through `harness checkpoint` and leaves its changes in the working tree.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/harness/internal/orchestrator"
	"github.com/aristath/harness/internal/process"
	"github.com/aristath/harness/internal/state"
)

// Executor runs a command. *process.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, spec process.Spec) (process.Result, error)
}

// Config defines how the agent is invoked.
type Config struct {
	Type         string // "command", "claude", "codex", or "goose"
	Command      string // Shell command for Type "command"
	WorkDir      string
	StateRoot    string
	WorkerID     string
	Model        string
	Provider     string // For Goose local LLMs (e.g., "ollama", "lmstudio")
	SystemPrompt string
	Timeout      time.Duration // Zero means no limit beyond ctx
	// LockToken returns the session lock token exported to the agent so its
	// harness commands can write state while the session is held.
	LockToken    func() string
}

// Worker implements orchestrator.Worker by running the configured agent.
type Worker struct {
	cfg    Config
	exec   Executor
	logger *zap.Logger
}

var _ orchestrator.Worker = (*Worker)(nil)

// New creates a Worker for cfg.Type.
func New(cfg Config, exec Executor, logger *zap.Logger) (*Worker, error) {
	switch cfg.Type {
	case "command":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("agent type command requires agent_command")
		}
	case "claude", "codex", "goose":
	default:
		return nil, fmt.Errorf("unknown agent type: %s", cfg.Type)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, exec: exec, logger: logger}, nil
}

// Run invokes the agent for task. A nonzero exit or a timeout is an error;
// the session records it as a TASK_EXEC failure. The agent is a separate
// process and reports checkpoints through `harness checkpoint`, not cp.
func (w *Worker) Run(ctx context.Context, task *state.Task, _ orchestrator.Checkpointer) error {
	spec := process.Spec{
		Command: w.commandLine(Prompt(task)),
		Dir:     w.cfg.WorkDir,
		Env:     w.env(task),
		Timeout: w.cfg.Timeout,
	}

	w.logger.Info("starting agent",
		zap.String("task_id", task.ID),
		zap.String("agent", w.cfg.Type))

	res, err := w.exec.Run(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	w.logger.Debug("agent finished",
		zap.String("task_id", task.ID),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))

	switch {
	case res.TimedOut:
		return fmt.Errorf("agent timed out after %s", w.cfg.Timeout)
	case res.ExitCode != 0:
		msg := fmt.Sprintf("agent exited %d", res.ExitCode)
		if tail := lastLine(res.Stderr); tail != "" {
			msg += ": " + tail
		}
		return errors.New(msg)
	}
	return nil
}

// commandLine builds the shell command for the configured agent.
func (w *Worker) commandLine(prompt string) string {
	if w.cfg.Type == "command" {
		return w.cfg.Command
	}

	var args []string
	switch w.cfg.Type {
	case "claude":
		args = []string{"claude", "-p", prompt, "--output-format", "json"}
		if w.cfg.Model != "" {
			args = append(args, "--model", w.cfg.Model)
		}
		if w.cfg.SystemPrompt != "" {
			args = append(args, "--system-prompt", w.cfg.SystemPrompt)
		}
	case "codex":
		args = []string{"codex", "exec", prompt, "--json"}
		if w.cfg.Model != "" {
			args = append(args, "--model", w.cfg.Model)
		}
	case "goose":
		args = []string{"goose", "run", "--text", prompt, "--output-format", "json"}
		if w.cfg.Provider != "" {
			args = append(args, "--provider", w.cfg.Provider)
		}
		if w.cfg.Model != "" {
			args = append(args, "--model", w.cfg.Model)
		}
		if w.cfg.SystemPrompt != "" {
			args = append(args, "--system", w.cfg.SystemPrompt)
		}
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func (w *Worker) env(task *state.Task) []string {
	env := []string{
		"HARNESS_TASK_ID=" + task.ID,
		"HARNESS_TASK_TITLE=" + task.Title,
		"HARNESS_ATTEMPT=" + strconv.Itoa(task.Attempts+1),
	}
	if w.cfg.StateRoot != "" {
		env = append(env, "HARNESS_STATE_ROOT="+w.cfg.StateRoot)
	}
	if w.cfg.WorkerID != "" {
		env = append(env, "HARNESS_WORKER_ID="+w.cfg.WorkerID)
	}
	if w.cfg.LockToken != nil {
		if token := w.cfg.LockToken(); token != "" {
			env = append(env, "HARNESS_LOCK_TOKEN="+token)
		}
	}
	return env
}

// Prompt describes task to the agent.
func Prompt(task *state.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s: %s\n", task.ID, task.Title)
	if task.Attempts > 0 {
		fmt.Fprintf(&sb, "\nThis is attempt %d of %d. Earlier attempts were rolled back:\n", task.Attempts+1, task.EffectiveMaxAttempts())
		for _, e := range task.ErrorLog {
			fmt.Fprintf(&sb, "- %s\n", e.String())
		}
	}
	if task.Validation != nil && task.Validation.Command != "" {
		fmt.Fprintf(&sb, "\nThe task is done when `%s` exits 0.\n", task.Validation.Command)
	}
	fmt.Fprintf(&sb, "\nReport progress with `harness checkpoint %s <step> <total> <description>`.\n", task.ID)
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
