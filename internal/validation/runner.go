// Package validation runs a task's objective check and classifies the result.
// Only the exit code is trusted.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/harness/internal/process"
	"github.com/aristath/harness/internal/state"
)

// Outcome classifies a validation run.
type Outcome string

const (
	Pass    Outcome = "PASS"
	Fail    Outcome = "FAIL"
	Timeout Outcome = "TIMEOUT"
)

// Category maps a failing outcome to its error category.
func (o Outcome) Category() state.Category {
	if o == Timeout {
		return state.CategoryTimeout
	}
	return state.CategoryTestFail
}

var (
	// ErrNoValidation means the task has no validation command. Absence of an
	// objective check is a configuration error, never a pass.
	ErrNoValidation = errors.New("task has no validation command")

	// ErrUnavailable means validation processes cannot be started at all.
	ErrUnavailable = errors.New("validation runner unavailable")
)

// Executor runs a command. *process.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, spec process.Spec) (process.Result, error)
}

// Result is the outcome of one validation run.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Output   string // tail of combined stdout and stderr
	Duration time.Duration
}

// BreakerConfig configures the circuit breaker around process start.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Trip after this many start failures (default 3)
	OpenTimeout         time.Duration // Stay open before probing again (default 30s)
}

// Options configures a Runner.
type Options struct {
	Dir            string        // Working directory for validation commands
	DefaultTimeout time.Duration // Used when a task sets no timeout (default 5m)
	Env            []string
	Breaker        BreakerConfig
	Logger         *zap.Logger
}

// Runner executes validation commands.
type Runner struct {
	exec           Executor
	dir            string
	env            []string
	defaultTimeout time.Duration
	breaker        *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

const outputTail = 4096

// NewRunner creates a Runner.
func NewRunner(exec Executor, opts Options) *Runner {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.Breaker.ConsecutiveFailures == 0 {
		opts.Breaker.ConsecutiveFailures = 3
	}
	if opts.Breaker.OpenTimeout <= 0 {
		opts.Breaker.OpenTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	logger := opts.Logger
	trip := opts.Breaker.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "validation",
		MaxRequests: 1,
		Interval:    0, // Don't clear counts automatically
		Timeout:     opts.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Don't count user cancellation as a runner failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &Runner{
		exec:           exec,
		dir:            opts.Dir,
		env:            opts.Env,
		defaultTimeout: opts.DefaultTimeout,
		breaker:        cb,
		logger:         logger,
	}
}

// Validate runs v under its timeout. A nil or empty validation returns
// ErrNoValidation. A command that cannot be started returns an error
// (wrapping ErrUnavailable once the breaker is open); a nonzero exit or a
// timeout is a normal Result.
func (r *Runner) Validate(ctx context.Context, v *state.Validation) (Result, error) {
	if v == nil || v.Command == "" {
		return Result{}, ErrNoValidation
	}

	timeout := r.defaultTimeout
	if v.TimeoutSeconds > 0 {
		timeout = time.Duration(v.TimeoutSeconds) * time.Second
	}

	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.exec.Run(ctx, process.Spec{
			Command: v.Command,
			Dir:     r.dir,
			Env:     r.env,
			Timeout: timeout,
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Result{}, fmt.Errorf("failed to run validation: %w", err)
	}

	res := out.(process.Result)
	result := Result{
		ExitCode: res.ExitCode,
		Output:   tail(append(append([]byte(nil), res.Stdout...), res.Stderr...)),
		Duration: res.Duration,
	}
	switch {
	case res.TimedOut:
		result.Outcome = Timeout
	case res.ExitCode == 0:
		result.Outcome = Pass
	default:
		result.Outcome = Fail
	}

	r.logger.Debug("validation finished",
		zap.String("command", v.Command),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// State returns the breaker state, for status output.
func (r *Runner) State() gobreaker.State {
	return r.breaker.State()
}

func tail(b []byte) string {
	if len(b) > outputTail {
		b = b[len(b)-outputTail:]
	}
	return string(b)
}
