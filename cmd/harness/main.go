// Package main implements the harness CLI: it runs sessions of an external
// coding agent against a durable task list and exposes the task state machine
// to hooks and agents as individual commands.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/harness/internal/lock"
	"github.com/aristath/harness/internal/orchestrator"
)

var (
	// rootFlag overrides state root discovery
	rootFlag string
	// workerFlag overrides HARNESS_WORKER_ID
	workerFlag string
	// logLevelFlag overrides log_level
	logLevelFlag string
	// version information
	version = "dev"
)

// Exit codes other than 0 and 1.
const (
	exitNoTask = 3 // claim found nothing to do
	exitLocked = 4 // another session holds the state root
)

func main() {
	// Signal-aware context for graceful shutdown. A second signal after
	// stop() is called kills the process the default way.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "harness",
	Short: "Durable, crash-recoverable task orchestration for coding agents",
	Long: `harness drives a list of tasks through claim, work, validation and
rollback. Every state change goes through an atomically saved
harness-tasks.json and an append-only harness-progress.txt, so an interrupted
session is reconciled against version control on the next run.

Examples:
  # Create a task list in the current repository
  harness init

  # Add a task that is done when its tests pass
  harness add auth-1 "Add login endpoint" --validate "go test ./auth/..."

  # Run the configured agent until nothing is left to do
  harness run

  # Decide whether a stop hook should let the agent stop
  harness stop-check`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "state root (default: discovered from HARNESS_STATE_ROOT or the working directory)")
	rootCmd.PersistentFlags().StringVar(&workerFlag, "worker", "", "worker id for concurrent mode (default: HARNESS_WORKER_ID)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn or error")
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNoEligibleTask):
		return exitNoTask
	case errors.Is(err, lock.ErrLocked), errors.Is(err, lock.ErrContention):
		return exitLocked
	}
	return 1
}
