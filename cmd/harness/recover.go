package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(recoverCmd)
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reconcile attempts left in progress by crashed workers",
	Long: `Reconcile every in-progress task this worker may adopt against version
control: resume it when the working tree still matches its last checkpoint,
complete it when committed work passes validation, and otherwise roll it back
or record the attempt as lost. harness run does this at the start of every
session.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, _, err := a.store.Load()
	if err != nil {
		return err
	}

	coord, lk := a.coordinator(a.cfg.WorkerID)
	if !doc.SessionConfig.Concurrent() {
		if err := lk.AcquireSession(); err != nil {
			return err
		}
		defer func() {
			if err := lk.Release(); err != nil {
				a.logger.Warn("failed to release session lock", zap.Error(err))
			}
		}()
	}

	recoveries, resumed, err := coord.Recover(ctx)
	for _, rec := range recoveries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", rec.TaskID, rec.Action, rec.Reason)
	}
	if err != nil {
		return err
	}
	if len(recoveries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to recover")
	}
	for _, task := range resumed {
		fmt.Fprintf(cmd.OutOrStdout(), "%s remains in progress; continue it, then run harness finish %s\n", task.ID, task.ID)
	}
	return nil
}
