// Package orchestrator drives tasks through their lifecycle: claim,
// checkpoint, validate, record outcome, and reconcile attempts left behind by
// crashed workers. Every mutation of the state document happens inside one
// lock transaction that re-reads the document, so any number of workers can
// share a state root.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/harness/internal/events"
	"github.com/aristath/harness/internal/history"
	"github.com/aristath/harness/internal/lock"
	"github.com/aristath/harness/internal/process"
	"github.com/aristath/harness/internal/progress"
	"github.com/aristath/harness/internal/scheduler"
	"github.com/aristath/harness/internal/state"
	"github.com/aristath/harness/internal/validation"
	"github.com/aristath/harness/internal/vcs"
)

var (
	// ErrNoEligibleTask means the selector found nothing to run.
	ErrNoEligibleTask = errors.New("no eligible task")
	// ErrAlreadyClaimed means another worker holds a live claim on the task.
	ErrAlreadyClaimed = errors.New("task already claimed")
	// ErrNotEligible means the task cannot be claimed in its current state.
	ErrNotEligible = errors.New("task not eligible")
	// ErrNotOwner means the task is not in progress under this worker's claim.
	ErrNotOwner = errors.New("task not owned by this worker")
	// ErrWorkerIDRequired means concurrent mode was used without a worker id.
	ErrWorkerIDRequired = errors.New("concurrent mode requires a worker id")
	// ErrTaskNotFound means the id is not in the document.
	ErrTaskNotFound = errors.New("task not found")
	// ErrRollback means the working tree could not be reset to a baseline.
	ErrRollback = errors.New("rollback failed")
)

// Validator runs a task's validation command.
type Validator interface {
	Validate(ctx context.Context, v *state.Validation) (validation.Result, error)
}

// Executor runs cleanup commands.
type Executor interface {
	Run(ctx context.Context, spec process.Spec) (process.Result, error)
}

// Options configures a Coordinator.
type Options struct {
	WorkerID       string        // Required in concurrent mode
	Lease          time.Duration // Claim lease and renewal window (default 30m)
	WorkDir        string        // Working directory for cleanup commands
	CleanupTimeout time.Duration // Bound on on_failure commands (default 10m)
	Logger         *zap.Logger
	Events         events.Publisher // Optional
	Ledger         history.Ledger   // Optional
	Now            func() time.Time
}

// Coordinator executes the task state machine against one state root.
type Coordinator struct {
	store     *state.Store
	progress  *progress.Log
	lock      *lock.Manager
	repo      vcs.Repository
	validator Validator
	exec      Executor

	workerID       string
	lease          time.Duration
	workDir        string
	cleanupTimeout time.Duration
	logger         *zap.Logger
	events         events.Publisher
	ledger         history.Ledger
	now            func() time.Time

	mu      sync.Mutex
	session int
	runID   string
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store *state.Store, plog *progress.Log, lk *lock.Manager, repo vcs.Repository, validator Validator, exec Executor, opts Options) *Coordinator {
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Minute
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:          store,
		progress:       plog,
		lock:           lk,
		repo:           repo,
		validator:      validator,
		exec:           exec,
		workerID:       opts.WorkerID,
		lease:          opts.Lease,
		workDir:        opts.WorkDir,
		cleanupTimeout: opts.CleanupTimeout,
		logger:         opts.Logger,
		events:         opts.Events,
		ledger:         opts.Ledger,
		now:            func() time.Time { return opts.Now().UTC() },
	}
}

// WorkerID returns the worker identity used for claims.
func (c *Coordinator) WorkerID() string { return c.workerID }

// SetSession sets the session number stamped on progress log lines and the
// history run the attempts belong to.
func (c *Coordinator) SetSession(n int, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = n
	c.runID = runID
}

// Session returns the current session number.
func (c *Coordinator) Session() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Coordinator) currentRun() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// transact re-reads the document under the lock, runs fn, and saves the
// document when fn reports a change. Progress lines written by fn land
// inside the same lock hold.
func (c *Coordinator) transact(ctx context.Context, fn func(doc *state.Document) (bool, error)) error {
	return c.lock.WithTransaction(ctx, func() error {
		doc, src, err := c.store.Load()
		if err != nil {
			return err
		}
		if src == state.SourceBackup {
			c.appendLog(progress.Entry{Type: progress.TypeWarn, Message: "state document unreadable, loaded backup"})
		}
		changed, err := fn(doc)
		if changed {
			if saveErr := c.store.Save(doc); saveErr != nil {
				return errors.Join(err, saveErr)
			}
		}
		return err
	})
}

// Snapshot returns a copy of the current document, read under the lock.
func (c *Coordinator) Snapshot(ctx context.Context) (*state.Document, error) {
	var snap *state.Document
	err := c.transact(ctx, func(doc *state.Document) (bool, error) {
		snap = doc.Clone()
		return false, nil
	})
	return snap, err
}

func (c *Coordinator) appendLog(e progress.Entry) {
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	e.Session = c.Session()
	if err := c.progress.Append(e); err != nil {
		c.logger.Error("failed to append progress log", zap.Error(err), zap.String("type", string(e.Type)))
	}
}

func (c *Coordinator) emit(e events.Event) {
	if c.events != nil {
		c.events.Emit(e)
	}
}

// finishAttempt records the end of an attempt in the ledger. History is
// best effort; a ledger error never changes the task outcome.
func (c *Coordinator) finishAttempt(ctx context.Context, taskID string, outcome history.Outcome, cat state.Category, msg string) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.FinishAttempt(context.WithoutCancel(ctx), taskID, outcome, string(cat), msg, c.now()); err != nil {
		c.logger.Warn("failed to record attempt outcome", zap.String("task_id", taskID), zap.Error(err))
	}
}

// owned reports whether task is in progress under this worker's claim. In
// exclusive mode the session lock makes every in-progress task ours.
func (c *Coordinator) owned(doc *state.Document, task *state.Task) bool {
	if task.Status != state.StatusInProgress {
		return false
	}
	if !doc.SessionConfig.Concurrent() {
		return true
	}
	return task.ClaimedBy == c.workerID
}

// Claim selects the next eligible task and claims it atomically: expired
// leases are reaped, the dependency graph is resolved, the baseline revision
// is recorded and the task moves to in_progress, all under one lock hold.
func (c *Coordinator) Claim(ctx context.Context) (*state.Task, error) {
	return c.claim(ctx, "")
}

// ClaimTask claims a specific task. It fails with ErrAlreadyClaimed when
// another worker holds a live claim and ErrNotEligible when the task cannot
// run yet or anymore.
func (c *Coordinator) ClaimTask(ctx context.Context, id string) (*state.Task, error) {
	return c.claim(ctx, id)
}

func (c *Coordinator) claim(ctx context.Context, id string) (*state.Task, error) {
	var claimed *state.Task
	var noTask bool

	err := c.transact(ctx, func(doc *state.Document) (bool, error) {
		concurrent := doc.SessionConfig.Concurrent()
		if concurrent && c.workerID == "" {
			return false, ErrWorkerIDRequired
		}
		now := c.now()

		changed := false
		if concurrent {
			changed = c.reapExpired(ctx, doc, now)
		}
		if c.applyResolution(doc, now) {
			changed = true
		}

		var task *state.Task
		if id == "" {
			for _, cand := range scheduler.Candidates(doc) {
				// Candidates are never in progress, but a document edited by
				// hand could still carry a live claim on one.
				if cand.ClaimedBy != "" && cand.LeaseLive(now) {
					continue
				}
				task = cand
				break
			}
			if task == nil {
				noTask = true
				return changed, nil
			}
		} else {
			t, ok := doc.Task(id)
			if !ok {
				return changed, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
			}
			if t.Status == state.StatusInProgress && t.LeaseLive(now) {
				return changed, fmt.Errorf("%s claimed by %q: %w", id, t.ClaimedBy, ErrAlreadyClaimed)
			}
			eligible := false
			for _, cand := range scheduler.Candidates(doc) {
				if cand.ID == id {
					eligible = true
					break
				}
			}
			if !eligible {
				return changed, fmt.Errorf("%s is %s: %w", id, t.Status, ErrNotEligible)
			}
			task = t
		}

		head, err := c.repo.Head(ctx)
		if err != nil {
			return changed, fmt.Errorf("failed to read baseline revision: %w", err)
		}

		task.Status = state.StatusInProgress
		task.StartedAtCommit = head
		task.Checkpoints = nil
		task.ClaimedBy = c.workerID
		task.ClaimedAt = &now
		task.LeaseExpiresAt = nil
		if concurrent {
			exp := now.Add(c.lease)
			task.LeaseExpiresAt = &exp
		}

		c.appendLog(progress.Entry{
			Time:    now,
			Type:    progress.TypeStarting,
			TaskID:  task.ID,
			Message: fmt.Sprintf("attempt %d/%d: %s", task.Attempts+1, task.EffectiveMaxAttempts(), task.Title),
		})
		claimed = task.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if noTask {
		return nil, ErrNoEligibleTask
	}

	c.logger.Info("claimed task",
		zap.String("task_id", claimed.ID),
		zap.String("baseline", claimed.StartedAtCommit))
	c.emit(events.TaskClaimedEvent{
		ID:        claimed.ID,
		Title:     claimed.Title,
		Worker:    c.workerID,
		Attempt:   claimed.Attempts + 1,
		Baseline:  claimed.StartedAtCommit,
		Timestamp: c.now(),
	})
	if c.ledger != nil {
		_, err := c.ledger.StartAttempt(ctx, history.Attempt{
			RunID:     c.currentRun(),
			TaskID:    claimed.ID,
			Attempt:   claimed.Attempts + 1,
			Worker:    c.workerID,
			Baseline:  claimed.StartedAtCommit,
			StartedAt: *claimed.ClaimedAt,
		})
		if err != nil {
			c.logger.Warn("failed to record attempt start", zap.String("task_id", claimed.ID), zap.Error(err))
		}
	}
	return claimed, nil
}

// reapExpired fails in-progress tasks whose lease ran out: the owner is gone
// and the attempt counts as a session timeout.
func (c *Coordinator) reapExpired(ctx context.Context, doc *state.Document, now time.Time) bool {
	changed := false
	for _, task := range doc.Tasks {
		if task.Status != state.StatusInProgress || task.LeaseExpiresAt == nil || task.LeaseLive(now) {
			continue
		}
		msg := fmt.Sprintf("lease expired (claimed_by=%s)", task.ClaimedBy)
		task.Status = state.StatusFailed
		task.Attempts++
		task.RecordError(state.CategorySessionTimeout, msg, now)
		task.ClearClaim()
		changed = true

		c.appendLog(progress.Entry{Time: now, Type: progress.TypeError, TaskID: task.ID, Category: state.CategorySessionTimeout, Message: msg})
		c.finishAttempt(ctx, task.ID, history.OutcomeFailed, state.CategorySessionTimeout, msg)
		c.emit(events.TaskFailedEvent{
			ID: task.ID, Category: string(state.CategorySessionTimeout), Message: msg,
			Attempts: task.Attempts, Permanent: task.PermanentlyFailed(), Timestamp: now,
		})
	}
	return changed
}

// applyResolution runs the dependency resolver and logs each verdict.
func (c *Coordinator) applyResolution(doc *state.Document, now time.Time) bool {
	report := scheduler.Resolve(doc, now)
	for _, r := range report.Resolutions {
		c.appendLog(progress.Entry{Time: now, Type: progress.TypeError, TaskID: r.TaskID, Category: state.CategoryDependency, Message: r.Message})
		c.emit(events.TaskResolvedEvent{ID: r.TaskID, Kind: string(r.Kind), Timestamp: now})
	}
	return report.Changed()
}

// Checkpoint records progress on an owned task and, in concurrent mode,
// pushes the lease out by one renewal window. The checkpoint carries the
// current revision and uncommitted paths so recovery can tell whether the
// on-disk state still matches.
func (c *Coordinator) Checkpoint(ctx context.Context, id string, step, total int, desc string) error {
	head, err := c.repo.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to read revision for checkpoint: %w", err)
	}
	changedFiles, err := c.repo.ChangedFiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to read working tree for checkpoint: %w", err)
	}

	err = c.transact(ctx, func(doc *state.Document) (bool, error) {
		task, ok := doc.Task(id)
		if !ok {
			return false, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		if !c.owned(doc, task) {
			return false, fmt.Errorf("%s: %w", id, ErrNotOwner)
		}
		now := c.now()
		task.Checkpoints = append(task.Checkpoints, state.Checkpoint{
			Step:        step,
			Total:       total,
			Description: desc,
			Timestamp:   now,
			Revision:    head,
			Changed:     changedFiles,
		})
		if doc.SessionConfig.Concurrent() {
			exp := now.Add(c.lease)
			task.LeaseExpiresAt = &exp
		}
		c.appendLog(progress.Entry{
			Time:    now,
			Type:    progress.TypeCheckpoint,
			TaskID:  id,
			Message: fmt.Sprintf("step %d/%d: %s", step, total, desc),
		})
		return true, nil
	})
	if err != nil {
		return err
	}
	c.emit(events.TaskCheckpointEvent{ID: id, Step: step, Total: total, Timestamp: c.now()})
	return nil
}

// Renew extends the lease of an owned task without recording a checkpoint.
// It returns the new expiry. In exclusive mode there is no lease and Renew
// only checks ownership.
func (c *Coordinator) Renew(ctx context.Context, id string) (time.Time, error) {
	var expiry time.Time
	err := c.transact(ctx, func(doc *state.Document) (bool, error) {
		task, ok := doc.Task(id)
		if !ok {
			return false, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		if task.Status != state.StatusInProgress {
			return false, fmt.Errorf("%s is %s, not in_progress: %w", id, task.Status, ErrNotOwner)
		}
		if !c.owned(doc, task) {
			return false, fmt.Errorf("%s owned by %q: %w", id, task.ClaimedBy, ErrNotOwner)
		}
		if !doc.SessionConfig.Concurrent() {
			return false, nil
		}
		expiry = c.now().Add(c.lease)
		task.LeaseExpiresAt = &expiry
		return true, nil
	})
	return expiry, err
}

// Validate runs the task's validation command. A task without one fails
// with validation.ErrNoValidation, which must halt the caller.
func (c *Coordinator) Validate(ctx context.Context, task *state.Task) (validation.Result, error) {
	res, err := c.validator.Validate(ctx, task.Validation)
	if err != nil {
		if errors.Is(err, validation.ErrNoValidation) {
			c.appendLog(progress.Entry{Type: progress.TypeError, TaskID: task.ID, Category: state.CategoryConfig, Message: "no validation command configured"})
		} else {
			c.appendLog(progress.Entry{Type: progress.TypeError, Category: state.CategoryEnvSetup, Message: fmt.Sprintf("validation could not run for %s: %v", task.ID, err)})
		}
		return res, err
	}
	c.logger.Info("validation finished",
		zap.String("task_id", task.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.Duration))
	c.emit(events.ValidationFinishedEvent{ID: task.ID, Outcome: string(res.Outcome), Duration: res.Duration, Timestamp: c.now()})
	return res, nil
}

// Complete marks an owned task completed.
func (c *Coordinator) Complete(ctx context.Context, id string) error {
	var attempts int
	var started *time.Time
	err := c.transact(ctx, func(doc *state.Document) (bool, error) {
		task, ok := doc.Task(id)
		if !ok {
			return false, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		if !c.owned(doc, task) {
			return false, fmt.Errorf("%s: %w", id, ErrNotOwner)
		}
		now := c.now()
		task.Status = state.StatusCompleted
		task.CompletedAt = &now
		started = task.ClaimedAt
		task.LeaseExpiresAt = nil
		attempts = task.Attempts + 1
		c.appendLog(progress.Entry{Time: now, Type: progress.TypeCompleted, TaskID: id, Message: task.Title})
		return true, nil
	})
	if err != nil {
		return err
	}

	var dur time.Duration
	if started != nil {
		dur = c.now().Sub(*started)
	}
	c.logger.Info("task completed", zap.String("task_id", id), zap.Duration("duration", dur))
	c.finishAttempt(ctx, id, history.OutcomeCompleted, "", "")
	c.emit(events.TaskCompletedEvent{ID: id, Attempts: attempts, Duration: dur, Timestamp: c.now()})
	return nil
}

// Finish takes an owned task whose work is done to an outcome. Uncommitted
// changes are committed under the task id, then validation decides between
// Complete and Fail. Only conditions that must halt the caller are returned
// as errors: a missing validation command, a validator that cannot run, a
// failed rollback or cancellation. A cancelled task stays in_progress for
// recovery.
func (c *Coordinator) Finish(ctx context.Context, task *state.Task) (validation.Outcome, error) {
	dirty, err := c.repo.HasUncommitted(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to inspect working tree: %w", err)
	}
	if dirty {
		if _, err := c.repo.Commit(ctx, fmt.Sprintf("%s: %s", task.ID, task.Title)); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			_, ferr := c.Fail(ctx, task.ID, state.CategoryTaskExec, fmt.Sprintf("failed to commit work: %v", err))
			return validation.Fail, ferr
		}
	}

	res, err := c.Validate(ctx, task)
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if res.Outcome == validation.Pass {
		return res.Outcome, c.Complete(ctx, task.ID)
	}
	_, err = c.Fail(ctx, task.ID, res.Outcome.Category(), validationMessage(res))
	return res.Outcome, err
}

// Add inserts new pending tasks. Ids must be unique across the document.
func (c *Coordinator) Add(ctx context.Context, tasks ...*state.Task) error {
	return c.transact(ctx, func(doc *state.Document) (bool, error) {
		for _, task := range tasks {
			if err := doc.AddTask(task); err != nil {
				return false, err
			}
		}
		return len(tasks) > 0, nil
	})
}

// FailResult describes what Fail did.
type FailResult struct {
	Permanent       bool // no retries remain
	BaselineMissing bool
	RolledBack      bool
	CleanupFailed   bool
}

// Fail records a failed attempt on an owned task. When the baseline revision
// is gone the task fails permanently. Otherwise the working tree is reset to
// the baseline and the task's cleanup command runs; both steps ignore
// cancellation of ctx once started. A cleanup failure is logged as a warning
// and does not prevent a retry. A rollback failure is returned wrapped in
// ErrRollback after the failure is recorded, since the workspace can no
// longer be trusted.
func (c *Coordinator) Fail(ctx context.Context, id string, cat state.Category, msg string) (FailResult, error) {
	var res FailResult

	snap, err := c.Owned(ctx, id)
	if err != nil {
		return res, err
	}

	// Once started, rollback and cleanup run to completion.
	bg := context.WithoutCancel(ctx)

	exists, err := c.repo.Exists(bg, snap.StartedAtCommit)
	if err != nil {
		return res, fmt.Errorf("failed to check baseline %s: %w", snap.StartedAtCommit, err)
	}

	var rollbackErr error
	if !exists {
		res.BaselineMissing = true
		res.Permanent = true
	} else {
		rollbackErr = c.rollback(bg, snap, &res)
	}

	err = c.transact(bg, func(doc *state.Document) (bool, error) {
		task, ok := doc.Task(id)
		if !ok {
			return false, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		if !c.owned(doc, task) {
			return false, fmt.Errorf("%s: %w", id, ErrNotOwner)
		}
		now := c.now()
		task.Attempts++
		message := msg
		if res.BaselineMissing {
			message = fmt.Sprintf("%s; baseline %s no longer exists, not retrying", msg, short(task.StartedAtCommit))
			if task.Attempts < task.EffectiveMaxAttempts() {
				task.Attempts = task.EffectiveMaxAttempts()
			}
		}
		task.RecordError(cat, message, now)
		task.Status = state.StatusFailed
		task.ClearClaim()
		res.Permanent = task.PermanentlyFailed()
		if res.Permanent && !res.BaselineMissing {
			message += fmt.Sprintf(" (attempts exhausted %d/%d)", task.Attempts, task.EffectiveMaxAttempts())
		}
		c.appendLog(progress.Entry{Time: now, Type: progress.TypeError, TaskID: id, Category: cat, Message: message})
		msg = message
		return true, nil
	})
	if err != nil {
		return res, errors.Join(err, rollbackErr)
	}

	c.logger.Warn("task failed",
		zap.String("task_id", id),
		zap.String("category", string(cat)),
		zap.Bool("permanent", res.Permanent))
	c.finishAttempt(ctx, id, history.OutcomeFailed, cat, msg)
	c.emit(events.TaskFailedEvent{
		ID: id, Category: string(cat), Message: msg,
		Attempts: snap.Attempts + 1, Permanent: res.Permanent, Timestamp: c.now(),
	})
	if rollbackErr != nil {
		return res, rollbackErr
	}
	return res, nil
}

// rollback resets the working tree to the task's baseline and runs its
// cleanup command.
func (c *Coordinator) rollback(ctx context.Context, task *state.Task, res *FailResult) error {
	if err := c.repo.ResetHard(ctx, task.StartedAtCommit); err != nil {
		c.appendLog(progress.Entry{
			Type: progress.TypeError, TaskID: task.ID, Category: state.CategoryEnvSetup,
			Message: fmt.Sprintf("rollback to %s failed: %v", short(task.StartedAtCommit), err),
		})
		return fmt.Errorf("%s: %w: %v", task.ID, ErrRollback, err)
	}
	res.RolledBack = true
	c.appendLog(progress.Entry{
		Type: progress.TypeRollback, TaskID: task.ID,
		Message: fmt.Sprintf("reset to %s", short(task.StartedAtCommit)),
	})

	cleanupOK := true
	if task.OnFailure != "" {
		out, err := c.exec.Run(ctx, process.Spec{
			Command: task.OnFailure,
			Dir:     c.workDir,
			Env:     []string{"HARNESS_TASK_ID=" + task.ID},
			Timeout: c.cleanupTimeout,
		})
		switch {
		case err != nil:
			cleanupOK = false
			c.appendLog(progress.Entry{Type: progress.TypeWarn, TaskID: task.ID, Message: fmt.Sprintf("cleanup could not run: %v", err)})
		case !out.Passed():
			cleanupOK = false
			c.appendLog(progress.Entry{Type: progress.TypeWarn, TaskID: task.ID, Message: fmt.Sprintf("cleanup exited %d", out.ExitCode)})
		}
	}
	res.CleanupFailed = !cleanupOK
	c.emit(events.TaskRolledBackEvent{ID: task.ID, Baseline: task.StartedAtCommit, CleanupOK: cleanupOK, Timestamp: c.now()})
	return nil
}

// Owned returns a copy of task id, failing with ErrNotOwner unless it is in
// progress under this worker.
func (c *Coordinator) Owned(ctx context.Context, id string) (*state.Task, error) {
	var snap *state.Task
	err := c.transact(ctx, func(doc *state.Document) (bool, error) {
		task, ok := doc.Task(id)
		if !ok {
			return false, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		if !c.owned(doc, task) {
			return false, fmt.Errorf("%s: %w", id, ErrNotOwner)
		}
		snap = task.Clone()
		return false, nil
	})
	return snap, err
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
