package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/harness/internal/orchestrator"
	"github.com/aristath/harness/internal/state"
)

var (
	// fail command flags
	failCategory string
)

func init() {
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(renewCmd)
	rootCmd.AddCommand(finishCmd)
	rootCmd.AddCommand(failCmd)

	failCmd.Flags().StringVar(&failCategory, "category", string(state.CategoryTaskExec), "error category: TASK_EXEC, TEST_FAIL, TIMEOUT or ENV_SETUP")
}

// claimCmd claims a task for an agent driven from outside `harness run`
var claimCmd = &cobra.Command{
	Use:   "claim [task-id]",
	Short: "Claim the next eligible task and print it as JSON",
	Long: `Claim the next eligible task, or the named one, and print it as JSON.

The baseline revision is recorded so a failed attempt can be rolled back.
Exits 3 when no task is eligible.

Examples:
  # Claim whatever is next
  harness claim

  # Claim a specific task in concurrent mode
  harness claim auth-2 --worker w1`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClaim,
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <task-id> <step> <total> <description...>",
	Short: "Record progress on a claimed task",
	Long: `Record progress on a claimed task. The working tree is fingerprinted so a
crashed attempt can resume from the checkpoint if nothing changed since.
In concurrent mode the claim lease is renewed.

Examples:
  harness checkpoint auth-1 2 5 "handlers written, tests next"`,
	Args: cobra.MinimumNArgs(4),
	RunE: runCheckpoint,
}

var renewCmd = &cobra.Command{
	Use:   "renew <task-id>",
	Short: "Renew the lease on a claimed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runRenew,
}

var finishCmd = &cobra.Command{
	Use:   "finish <task-id>",
	Short: "Commit, validate and record the outcome of a claimed task",
	Long: `Commit any uncommitted work under the task id, run the task's validation
command and record the outcome. A failing validation rolls the working tree
back to the task's baseline and leaves the task retryable until its attempts
are exhausted.

Examples:
  harness finish auth-1`,
	Args: cobra.ExactArgs(1),
	RunE: runFinish,
}

var failCmd = &cobra.Command{
	Use:   "fail <task-id> <message...>",
	Short: "Give up on a claimed task and roll its work back",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runFail,
}

func runClaim(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, _ := a.coordinator(a.cfg.WorkerID)
	var task *state.Task
	if len(args) == 1 {
		task, err = coord.ClaimTask(ctx, args[0])
	} else {
		task, err = coord.Claim(ctx)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(task)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	step, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid step %q: %w", args[1], err)
	}
	total, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid total %q: %w", args[2], err)
	}
	if step < 1 || total < step {
		return fmt.Errorf("step must be between 1 and total, got %d/%d", step, total)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, _ := a.coordinator(a.cfg.WorkerID)
	return coord.Checkpoint(ctx, args[0], step, total, strings.Join(args[3:], " "))
}

func runRenew(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, _ := a.coordinator(a.cfg.WorkerID)
	expires, err := coord.Renew(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), expires.Format(time.RFC3339))
	return nil
}

func runFinish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, _ := a.coordinator(a.cfg.WorkerID)
	task, err := coord.Owned(ctx, args[0])
	if err != nil {
		return err
	}
	outcome, err := coord.Finish(ctx, task)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", task.ID, outcome)
	return nil
}

func runFail(cmd *cobra.Command, args []string) error {
	cat, err := parseFailCategory(failCategory)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, _ := a.coordinator(a.cfg.WorkerID)
	res, err := coord.Fail(ctx, args[0], cat, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), describeFailure(args[0], res))
	return nil
}

// parseFailCategory accepts the categories an agent may report itself.
func parseFailCategory(s string) (state.Category, error) {
	cat := state.Category(strings.ToUpper(s))
	switch cat {
	case state.CategoryTaskExec, state.CategoryTestFail, state.CategoryTimeout, state.CategoryEnvSetup:
		return cat, nil
	}
	return "", fmt.Errorf("unsupported category %q", s)
}

func describeFailure(id string, res orchestrator.FailResult) string {
	var parts []string
	if res.RolledBack {
		parts = append(parts, "rolled back")
	}
	if res.BaselineMissing {
		parts = append(parts, "baseline missing")
	}
	if res.CleanupFailed {
		parts = append(parts, "cleanup failed")
	}
	if res.Permanent {
		parts = append(parts, "permanently failed")
	} else {
		parts = append(parts, "retryable")
	}
	return fmt.Sprintf("%s: %s", id, strings.Join(parts, ", "))
}
