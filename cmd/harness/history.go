package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <task-id>",
	Short: "List every recorded attempt of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.ledger == nil {
		return errors.New("attempt history is unavailable")
	}
	attempts, err := a.ledger.TaskAttempts(ctx, args[0])
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no attempts recorded for %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tWORKER\tSTARTED\tDURATION\tOUTCOME\tMESSAGE")
	for _, at := range attempts {
		worker := at.Worker
		if worker == "" {
			worker = "-"
		}
		duration, outcome := "-", "open"
		if at.EndedAt != nil {
			duration = at.EndedAt.Sub(at.StartedAt).Round(time.Second).String()
			outcome = string(at.Outcome)
			if at.Category != "" {
				outcome += " " + at.Category
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", at.Attempt, worker, at.StartedAt.Format(time.RFC3339), duration, outcome, at.Message)
	}
	return w.Flush()
}
