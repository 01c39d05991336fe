package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/harness/internal/events"
	"github.com/aristath/harness/internal/history"
	"github.com/aristath/harness/internal/progress"
	"github.com/aristath/harness/internal/state"
	"github.com/aristath/harness/internal/validation"
	"github.com/aristath/harness/internal/vcs"
)

// RecoveryAction names how an interrupted attempt was reconciled.
type RecoveryAction string

const (
	RecoveryTimedOut   RecoveryAction = "session_timeout" // nothing to show for the attempt
	RecoveryWorkLost   RecoveryAction = "work_lost"       // checkpoints no longer match the tree
	RecoveryResumed    RecoveryAction = "resumed"
	RecoveryCompleted  RecoveryAction = "completed"
	RecoveryRolledBack RecoveryAction = "rolled_back"
	RecoverySkipped    RecoveryAction = "skipped" // owned by another live worker
)

// Recovery records the reconciliation of one task.
type Recovery struct {
	TaskID string
	Action RecoveryAction
	Reason string
}

// recoveryInputs is what the working tree says about an interrupted attempt.
type recoveryInputs struct {
	uncommitted bool
	changed     []string
	head        string
	commits     []vcs.Commit
}

// Recover reconciles every task left in_progress by an interrupted session.
// In concurrent mode a task is only touched when this worker holds its claim
// or its lease has expired. Resumed tasks are returned so the caller can run
// them again before claiming new work.
func (c *Coordinator) Recover(ctx context.Context) ([]Recovery, []*state.Task, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	var recoveries []Recovery
	var resumed []*state.Task
	for _, task := range snap.Tasks {
		if task.Status != state.StatusInProgress {
			continue
		}
		if snap.SessionConfig.Concurrent() && task.ClaimedBy != c.workerID && task.LeaseLive(c.now()) {
			recoveries = append(recoveries, Recovery{TaskID: task.ID, Action: RecoverySkipped, Reason: fmt.Sprintf("claimed by %s until lease expiry", task.ClaimedBy)})
			continue
		}

		adopted, err := c.adopt(ctx, task.ID)
		if err != nil {
			if errors.Is(err, ErrNotOwner) {
				// Another worker reclaimed it between the snapshot and now.
				continue
			}
			return recoveries, resumed, err
		}

		rec, err := c.reconcile(ctx, adopted)
		if rec.Action != "" {
			recoveries = append(recoveries, rec)
		}
		if err != nil {
			return recoveries, resumed, err
		}
		if rec.Action == RecoveryResumed {
			resumed = append(resumed, adopted)
		}
	}
	return recoveries, resumed, nil
}

// adopt takes over the claim on an interrupted task and renews its lease.
func (c *Coordinator) adopt(ctx context.Context, id string) (*state.Task, error) {
	var adopted *state.Task
	err := c.transact(ctx, func(doc *state.Document) (bool, error) {
		task, ok := doc.Task(id)
		if !ok {
			return false, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		if task.Status != state.StatusInProgress {
			return false, fmt.Errorf("%s is %s: %w", id, task.Status, ErrNotOwner)
		}
		if !doc.SessionConfig.Concurrent() {
			adopted = task.Clone()
			return false, nil
		}
		now := c.now()
		if task.ClaimedBy != c.workerID && task.LeaseLive(now) {
			return false, fmt.Errorf("%s: %w", id, ErrNotOwner)
		}
		task.ClaimedBy = c.workerID
		if task.ClaimedAt == nil {
			task.ClaimedAt = &now
		}
		exp := now.Add(c.lease)
		task.LeaseExpiresAt = &exp
		adopted = task.Clone()
		return true, nil
	})
	return adopted, err
}

func (c *Coordinator) gather(ctx context.Context, task *state.Task) (recoveryInputs, error) {
	var in recoveryInputs
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		files, err := c.repo.ChangedFiles(gctx)
		if err != nil {
			return err
		}
		in.changed = files
		in.uncommitted = len(files) > 0
		return nil
	})
	g.Go(func() error {
		head, err := c.repo.Head(gctx)
		if err != nil {
			return err
		}
		in.head = head
		return nil
	})
	g.Go(func() error {
		if task.StartedAtCommit == "" {
			return nil
		}
		commits, err := c.repo.CommitsSince(gctx, task.StartedAtCommit, task.ID)
		if err != nil {
			return err
		}
		in.commits = commits
		return nil
	})
	if err := g.Wait(); err != nil {
		return in, fmt.Errorf("failed to inspect working tree for %s: %w", task.ID, err)
	}
	return in, nil
}

func (c *Coordinator) reconcile(ctx context.Context, task *state.Task) (Recovery, error) {
	in, err := c.gather(ctx, task)
	if err != nil {
		return Recovery{}, err
	}
	hasCommits := len(in.commits) > 0
	last, hasCheckpoint := task.LastCheckpoint()

	switch {
	case !in.uncommitted && !hasCommits && !hasCheckpoint:
		rec := Recovery{TaskID: task.ID, Action: RecoveryTimedOut, Reason: "no commits, no changes and no checkpoints"}
		return rec, c.expire(ctx, task, rec)

	case !in.uncommitted && !hasCommits:
		if last.Revision != "" && last.Revision == in.head && slices.Equal(last.Changed, in.changed) {
			rec := Recovery{
				TaskID: task.ID, Action: RecoveryResumed,
				Reason: fmt.Sprintf("working tree matches checkpoint %d/%d: %s", last.Step, last.Total, last.Description),
			}
			c.noteRecovery(rec)
			return rec, nil
		}
		rec := Recovery{
			TaskID: task.ID, Action: RecoveryWorkLost,
			Reason: fmt.Sprintf("checkpoint %d/%d recorded but its work is not on disk", last.Step, last.Total),
		}
		return rec, c.expire(ctx, task, rec)
	}

	reason := "uncommitted changes found"
	switch {
	case hasCommits && in.uncommitted:
		reason = fmt.Sprintf("%d task commit(s) and uncommitted changes found", len(in.commits))
		if _, err := c.repo.Commit(ctx, fmt.Sprintf("%s: %s (recovered)", task.ID, task.Title)); err != nil {
			return Recovery{}, fmt.Errorf("failed to commit recovered changes for %s: %w", task.ID, err)
		}
	case hasCommits:
		reason = fmt.Sprintf("%d task commit(s) found", len(in.commits))
	}

	res, err := c.Validate(ctx, task)
	if err != nil {
		return Recovery{}, err
	}
	if res.Outcome != validation.Pass {
		rec := Recovery{TaskID: task.ID, Action: RecoveryRolledBack, Reason: fmt.Sprintf("%s, validation %s", reason, res.Outcome)}
		c.noteRecovery(rec)
		_, err := c.Fail(ctx, task.ID, res.Outcome.Category(), validationMessage(res))
		return rec, err
	}

	if in.uncommitted && !hasCommits {
		if _, err := c.repo.Commit(ctx, fmt.Sprintf("%s: %s", task.ID, task.Title)); err != nil {
			return Recovery{}, fmt.Errorf("failed to commit recovered changes for %s: %w", task.ID, err)
		}
	}
	rec := Recovery{TaskID: task.ID, Action: RecoveryCompleted, Reason: reason + ", validation PASS"}
	c.noteRecovery(rec)
	return rec, c.Complete(ctx, task.ID)
}

// expire fails an interrupted attempt that left nothing usable behind.
// There is nothing to roll back.
func (c *Coordinator) expire(ctx context.Context, task *state.Task, rec Recovery) error {
	c.noteRecovery(rec)
	msg := fmt.Sprintf("attempt interrupted: %s", rec.Reason)
	var attempts int
	var permanent bool
	err := c.transact(ctx, func(doc *state.Document) (bool, error) {
		t, ok := doc.Task(task.ID)
		if !ok {
			return false, fmt.Errorf("%s: %w", task.ID, ErrTaskNotFound)
		}
		if !c.owned(doc, t) {
			return false, fmt.Errorf("%s: %w", task.ID, ErrNotOwner)
		}
		now := c.now()
		t.Attempts++
		t.RecordError(state.CategorySessionTimeout, msg, now)
		t.Status = state.StatusFailed
		t.ClearClaim()
		attempts = t.Attempts
		permanent = t.PermanentlyFailed()
		c.appendLog(progress.Entry{Time: now, Type: progress.TypeError, TaskID: t.ID, Category: state.CategorySessionTimeout, Message: msg})
		return true, nil
	})
	if err != nil {
		return err
	}
	c.finishAttempt(ctx, task.ID, history.OutcomeFailed, state.CategorySessionTimeout, msg)
	c.emit(events.TaskFailedEvent{
		ID: task.ID, Category: string(state.CategorySessionTimeout), Message: msg,
		Attempts: attempts, Permanent: permanent, Timestamp: c.now(),
	})
	return nil
}

func (c *Coordinator) noteRecovery(rec Recovery) {
	c.appendLog(progress.Entry{
		Type:    progress.TypeRecovery,
		TaskID:  rec.TaskID,
		Message: fmt.Sprintf("%s: %s", rec.Action, rec.Reason),
	})
	c.logger.Info("recovered task",
		zap.String("task_id", rec.TaskID),
		zap.String("action", string(rec.Action)),
		zap.String("reason", rec.Reason))
	c.emit(events.TaskRecoveredEvent{ID: rec.TaskID, Action: string(rec.Action), Timestamp: c.now()})
}

// validationMessage summarizes a failing validation for the error log.
func validationMessage(res validation.Result) string {
	msg := fmt.Sprintf("validation %s (exit %d)", res.Outcome, res.ExitCode)
	if out := lastLine(res.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func lastLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
