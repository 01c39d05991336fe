package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/harness/internal/state"
)

var (
	// add command flags
	addPriority        string
	addDependsOn       []string
	addValidate        string
	addValidateTimeout int
	addMaxAttempts     int
	addOnFailure       string
)

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().StringVar(&addPriority, "priority", "P1", "priority: P0 (highest), P1 or P2")
	addCmd.Flags().StringSliceVar(&addDependsOn, "depends-on", nil, "ids of tasks that must complete first")
	addCmd.Flags().StringVar(&addValidate, "validate", "", "shell command that exits 0 when the task is done")
	addCmd.Flags().IntVar(&addValidateTimeout, "validate-timeout", 0, "validation timeout in seconds (0 = default_validation_timeout_seconds)")
	addCmd.Flags().IntVar(&addMaxAttempts, "max-attempts", -1, "attempts before the task fails permanently (default 3, 0 means no retries)")
	addCmd.Flags().StringVar(&addOnFailure, "on-failure", "", "cleanup command run after a failed attempt is rolled back")
}

var addCmd = &cobra.Command{
	Use:   "add <id> <title...>",
	Short: "Add a pending task",
	Long: `Add a pending task to the task list.

A task without --validate can be added, but a session that reaches it halts
with a CONFIG error: absence of an objective check is never a pass.

Examples:
  harness add db-1 "Create users table" --priority P0 --validate "make migrate-test"
  harness add api-1 "Users endpoint" --depends-on db-1 --validate "go test ./api/..."`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAdd,
}

func runAdd(cmd *cobra.Command, args []string) error {
	if addMaxAttempts < -1 || addValidateTimeout < 0 {
		return fmt.Errorf("--max-attempts and --validate-timeout must not be negative")
	}

	task := state.NewTask(args[0], strings.Join(args[1:], " "), addPriority, addDependsOn...)
	if addMaxAttempts >= 0 {
		task.SetMaxAttempts(addMaxAttempts)
	}
	task.OnFailure = addOnFailure
	if addValidate != "" {
		task.Validation = &state.Validation{Command: addValidate, TimeoutSeconds: addValidateTimeout}
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, _ := a.coordinator(a.cfg.WorkerID)
	if err := coord.Add(ctx, task); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", task.ID)
	return nil
}
