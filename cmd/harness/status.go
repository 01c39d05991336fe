package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/harness/internal/history"
	"github.com/aristath/harness/internal/orchestrator"
	"github.com/aristath/harness/internal/progress"
	"github.com/aristath/harness/internal/scheduler"
	"github.com/aristath/harness/internal/state"
)

var (
	// status command flags
	statusJSON bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the task list",
	Long: `Summarize the task list: counts by status, the next task the selector
would pick, tasks in progress with their claims, pending tasks blocked behind
a permanently failed dependency, and the last STATS line of the progress log.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

// StatusReport is the status command's JSON output.
type StatusReport struct {
	Root       string         `json:"root"`
	Mode       string         `json:"mode"`
	Sessions   int            `json:"sessions"`
	Counts     map[string]int `json:"counts"`
	Eligible   int            `json:"eligible"`
	Retryable  int            `json:"retryable"`
	Next       string         `json:"next,omitempty"`
	InProgress []InProgress   `json:"in_progress,omitempty"`
	Blocked    []string       `json:"blocked,omitempty"`
	LastStats  string         `json:"last_stats,omitempty"`
	History    *history.Stats `json:"history,omitempty"`
}

// InProgress describes one claimed task.
type InProgress struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Attempt    int        `json:"attempt"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	LeaseUntil *time.Time `json:"lease_expires_at,omitempty"`
	Checkpoint string     `json:"checkpoint,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	report := buildStatus(a.root, doc)
	if entries, err := a.progress.Tail(64 * 1024); err == nil {
		if last, ok := progress.LastStats(entries); ok {
			report.LastStats = last.String()
		}
	}
	if a.ledger != nil {
		if st, err := a.ledger.Stats(ctx); err == nil {
			report.History = &st
		}
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(cmd.OutOrStdout(), report)
	return nil
}

func buildStatus(root string, doc *state.Document) StatusReport {
	report := StatusReport{
		Root:     root,
		Mode:     doc.SessionConfig.ConcurrencyMode,
		Sessions: doc.SessionCount,
		Counts:   make(map[string]int),
		Blocked:  scheduler.Blocked(doc),
	}
	for status, n := range doc.Counts() {
		report.Counts[string(status)] = n
	}
	report.Eligible, report.Retryable = scheduler.Eligible(doc)
	if next, ok := scheduler.Select(doc); ok {
		report.Next = next.ID
	}
	for _, task := range doc.Tasks {
		if task.Status != state.StatusInProgress {
			continue
		}
		ip := InProgress{
			ID:         task.ID,
			Title:      task.Title,
			Attempt:    task.Attempts + 1,
			ClaimedBy:  task.ClaimedBy,
			LeaseUntil: task.LeaseExpiresAt,
		}
		if cp, ok := task.LastCheckpoint(); ok {
			ip.Checkpoint = fmt.Sprintf("%d/%d %s", cp.Step, cp.Total, cp.Description)
		}
		report.InProgress = append(report.InProgress, ip)
	}
	return report
}

func printStatus(out io.Writer, r StatusReport) {
	counts := make(map[state.TaskStatus]int, len(r.Counts))
	for status, n := range r.Counts {
		counts[state.TaskStatus(status)] = n
	}
	fmt.Fprintf(out, "root:     %s\n", r.Root)
	fmt.Fprintf(out, "mode:     %s, %d sessions\n", r.Mode, r.Sessions)
	fmt.Fprintf(out, "tasks:    %s\n", orchestrator.FormatCounts(counts))
	fmt.Fprintf(out, "eligible: %d pending, %d retryable\n", r.Eligible, r.Retryable)
	if r.Next != "" {
		fmt.Fprintf(out, "next:     %s\n", r.Next)
	}
	if len(r.Blocked) > 0 {
		fmt.Fprintf(out, "blocked:  %v\n", r.Blocked)
	}
	if r.History != nil {
		fmt.Fprintf(out, "history:  %d attempts, %d completed, %d failed, mean %s\n",
			r.History.Attempts, r.History.Completed, r.History.Failed, r.History.MeanDuration.Round(time.Second))
	}
	if r.LastStats != "" {
		fmt.Fprintf(out, "last:     %s\n", r.LastStats)
	}

	if len(r.InProgress) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tATTEMPT\tWORKER\tLEASE\tCHECKPOINT")
	for _, ip := range r.InProgress {
		lease := "-"
		if ip.LeaseUntil != nil {
			lease = ip.LeaseUntil.Format(time.RFC3339)
		}
		worker := ip.ClaimedBy
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", ip.ID, ip.Attempt, worker, lease, ip.Checkpoint)
	}
	w.Flush()
}
