package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/harness/internal/agent"
	"github.com/aristath/harness/internal/orchestrator"
)

var (
	// run command flags
	runWorkers int
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runWorkers, "workers", 1, "number of workers to run in parallel (concurrent mode only)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one session of the configured agent",
	Long: `Run one session: bootstrap the environment, reconcile attempts left behind
by crashed workers, then claim tasks one at a time, run the agent on each,
commit its work, validate and record the outcome. The session ends when no
task is eligible, max_tasks_per_session is reached or a halting error occurs.

With --workers N (concurrent mode only) N workers named <worker>-1..<worker>-N
share the state root, each with its own claims and leases.

Examples:
  # Run one session in exclusive mode
  harness run

  # Run three workers against one task list
  HARNESS_WORKER_ID=ci harness run --workers 3`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// Kill agent and validation process groups as soon as a signal arrives.
	stopKill := context.AfterFunc(ctx, func() {
		a.logger.Info("shutdown signal received, stopping subprocesses")
		if err := a.procs.KillAll(); err != nil {
			a.logger.Warn("failed to kill subprocesses", zap.Error(err))
		}
	})
	defer stopKill()

	doc, _, err := a.store.Load()
	if err != nil {
		return err
	}
	ids, err := workerIDs(a.cfg.WorkerID, runWorkers, doc.SessionConfig.Concurrent())
	if err != nil {
		return err
	}

	summaries := make([]orchestrator.Summary, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			sum, err := a.runSession(ctx, id)
			summaries[i] = sum
			if err != nil && len(ids) > 1 {
				return fmt.Errorf("worker %s: %w", id, err)
			}
			return err
		})
	}
	err = g.Wait()

	for i, sum := range summaries {
		printSummary(cmd.OutOrStdout(), ids[i], sum)
	}
	return err
}

// runSession runs one worker's session loop.
func (a *app) runSession(ctx context.Context, workerID string) (orchestrator.Summary, error) {
	coord, lk := a.coordinator(workerID)
	worker, err := agent.New(agent.Config{
		Type:      a.cfg.AgentType,
		Command:   a.cfg.AgentCommand,
		WorkDir:   a.root,
		StateRoot: a.root,
		WorkerID:  workerID,
		Model:     a.cfg.AgentModel,
		Provider:  a.cfg.AgentProvider,
		Timeout:   a.cfg.AgentTimeout(),
		LockToken: lk.SessionToken,
	}, a.runner, a.logger)
	if err != nil {
		return orchestrator.Summary{}, err
	}

	sess := orchestrator.NewSession(coord, lk, worker, orchestrator.SessionOptions{
		BootstrapScript:  a.cfg.BootstrapScript,
		BootstrapTimeout: a.cfg.BootstrapTimeout(),
		Executor:         a.runner,
		Logger:           a.workerLogger(workerID),
	})
	return sess.Run(ctx)
}

// workerIDs names the workers for one run. Worker ids are never invented:
// several workers derive theirs from the configured base id.
func workerIDs(base string, n int, concurrent bool) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("--workers must be at least 1")
	}
	if n == 1 {
		return []string{base}, nil
	}
	if !concurrent {
		return nil, fmt.Errorf("--workers %d requires concurrency_mode concurrent", n)
	}
	if base == "" {
		return nil, fmt.Errorf("--workers %d requires a worker id to derive worker names from", n)
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", base, i+1)
	}
	return ids, nil
}

func printSummary(w io.Writer, worker string, sum orchestrator.Summary) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "session %d", sum.Session)
	if worker != "" {
		fmt.Fprintf(&sb, " worker=%s", worker)
	}
	fmt.Fprintf(&sb, " reason=%s ran=%d finished=%d", sum.Reason, sum.Ran, sum.Finished)
	if sum.Counts != nil {
		sb.WriteString(" " + orchestrator.FormatCounts(sum.Counts))
	}
	fmt.Fprintln(w, sb.String())
	for _, rec := range sum.Recoveries {
		fmt.Fprintf(w, "  recovered %s: %s (%s)\n", rec.TaskID, rec.Action, rec.Reason)
	}
}
