package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/harness/internal/orchestrator"
)

func init() {
	rootCmd.AddCommand(stopCheckCmd)
}

var stopCheckCmd = &cobra.Command{
	Use:   "stop-check",
	Short: "Tell a stop hook whether the agent may stop",
	Long: `Print a hook decision on stdout. While an eligible task remains, or an
in-progress task still needs this worker, the output is
  {"decision":"block","reason":"..."}
and the agent is told what to do next. Otherwise nothing is printed and the
agent may stop. In concurrent mode tasks claimed by other workers never
block this one.`,
	Args: cobra.NoArgs,
	RunE: runStopCheck,
}

// HookResponse is the stop hook protocol payload.
type HookResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func runStopCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, _ := a.coordinator(a.cfg.WorkerID)
	doc, err := coord.Snapshot(ctx)
	if err != nil {
		return err
	}

	d := orchestrator.StopDecision(doc, a.cfg.WorkerID)
	if !d.Block {
		return nil
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(HookResponse{
		Decision: "block",
		Reason:   blockReason(d),
	})
}

func blockReason(d orchestrator.Decision) string {
	reason := "harness: " + d.Summary + "."
	if d.Next != "" {
		return reason + fmt.Sprintf(" Claim the next task with `harness claim %s`.", d.Next)
	}
	return reason + " Finish the task in progress with `harness finish <task-id>`."
}
