package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/harness/internal/events"
	"github.com/aristath/harness/internal/lock"
	"github.com/aristath/harness/internal/process"
	"github.com/aristath/harness/internal/progress"
	"github.com/aristath/harness/internal/state"
)

var (
	// ErrBootstrap means the environment bootstrap script failed.
	ErrBootstrap = errors.New("environment bootstrap failed")
	// ErrSessionLimit means max_sessions has been reached.
	ErrSessionLimit = errors.New("session limit reached")
)

// Checkpointer lets a worker report progress on the task it is running.
type Checkpointer interface {
	Checkpoint(ctx context.Context, step, total int, description string) error
}

// Worker performs the work of one task. It changes the working tree and may
// commit; the session commits anything left uncommitted before validating.
type Worker interface {
	Run(ctx context.Context, task *state.Task, cp Checkpointer) error
}

// StopReason says why a session loop ended.
type StopReason string

const (
	StopNoTask    StopReason = "no_eligible_task"
	StopQuota     StopReason = "quota_reached"
	StopHalted    StopReason = "halted"
	StopCancelled StopReason = "cancelled"
	StopLocked    StopReason = "locked"
	StopLimit     StopReason = "session_limit"
)

// Summary describes a finished session.
type Summary struct {
	Session    int
	Reason     StopReason
	Ran        int // tasks claimed or resumed by this loop
	Finished   int // tasks that reached an outcome in this session, all workers
	Recoveries []Recovery
	Counts     map[state.TaskStatus]int
}

// SessionOptions configures a Session.
type SessionOptions struct {
	BootstrapScript  string // relative to the state root; skipped when absent
	BootstrapTimeout time.Duration
	Executor         Executor // runs the bootstrap script
	Logger           *zap.Logger
}

// Session runs one worker's loop: recover, then claim, work, commit,
// validate and record outcomes until nothing is left to do.
type Session struct {
	coord  *Coordinator
	lock   *lock.Manager
	worker Worker
	opts   SessionOptions
	logger *zap.Logger
}

// NewSession creates a Session. lk must be the Manager the coordinator uses.
func NewSession(coord *Coordinator, lk *lock.Manager, worker Worker, opts SessionOptions) *Session {
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Session{coord: coord, lock: lk, worker: worker, opts: opts, logger: opts.Logger}
}

// Run executes the session loop. It returns a nil error when the loop ended
// normally (no task, quota) and the halting error otherwise.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	c := s.coord
	var sum Summary

	// The document is replaced atomically, so an unlocked read is enough to
	// learn the concurrency mode before deciding how to lock.
	doc, _, err := c.store.Load()
	if err != nil {
		return sum, err
	}
	cfg := doc.SessionConfig

	if cfg.Concurrent() && c.workerID == "" {
		c.appendLog(progress.Entry{Type: progress.TypeError, Category: state.CategoryConfig, Message: "concurrent mode requires HARNESS_WORKER_ID"})
		sum.Reason = StopHalted
		return sum, ErrWorkerIDRequired
	}

	if !cfg.Concurrent() {
		if err := s.lock.AcquireSession(); err != nil {
			if errors.Is(err, lock.ErrLocked) || errors.Is(err, lock.ErrContention) {
				c.appendLog(progress.Entry{Type: progress.TypeLock, Message: fmt.Sprintf("session lock unavailable: %v", err)})
				sum.Reason = StopLocked
			}
			return sum, err
		}
		defer func() {
			if err := s.lock.Release(); err != nil {
				s.logger.Warn("failed to release session lock", zap.Error(err))
			}
		}()
	}

	session, err := s.begin(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionLimit) {
			sum.Reason = StopLimit
		}
		return sum, err
	}
	sum.Session = session

	reason, loopErr := s.loop(ctx, cfg, &sum)
	sum.Reason = reason
	s.finish(ctx, &sum)
	return sum, loopErr
}

// begin increments the session counter and announces the session.
func (s *Session) begin(ctx context.Context) (int, error) {
	c := s.coord
	var session, limit int
	err := c.transact(ctx, func(doc *state.Document) (bool, error) {
		limit = doc.SessionConfig.MaxSessions
		if limit > 0 && doc.SessionCount >= limit {
			return false, fmt.Errorf("%d of %d sessions used: %w", doc.SessionCount, limit, ErrSessionLimit)
		}
		now := c.now()
		doc.SessionCount++
		doc.LastSession = &now
		session = doc.SessionCount
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionLimit) {
			c.appendLog(progress.Entry{Type: progress.TypeWarn, Message: err.Error()})
		}
		return 0, err
	}

	var runID string
	if c.ledger != nil {
		runID, err = c.ledger.StartSession(ctx, session, c.workerID, c.now())
		if err != nil {
			s.logger.Warn("failed to record session start", zap.Error(err))
		}
	}
	c.SetSession(session, runID)

	msg := "session started"
	if c.workerID != "" {
		msg += " worker=" + c.workerID
	}
	c.appendLog(progress.Entry{Type: progress.TypeInit, Message: msg})
	s.logger.Info("session started", zap.Int("session", session))
	c.emit(events.SessionStartedEvent{Session: session, Worker: c.workerID, Timestamp: c.now()})
	return session, nil
}

func (s *Session) loop(ctx context.Context, cfg state.SessionConfig, sum *Summary) (StopReason, error) {
	c := s.coord

	if err := s.bootstrap(ctx); err != nil {
		return StopHalted, err
	}

	recoveries, resumed, err := c.Recover(ctx)
	sum.Recoveries = recoveries
	if err != nil {
		return haltReason(ctx), err
	}

	for _, task := range resumed {
		sum.Ran++
		if err := s.runTask(ctx, task); err != nil {
			return haltReason(ctx), err
		}
	}

	for {
		if ctx.Err() != nil {
			return StopCancelled, ctx.Err()
		}
		if cfg.MaxTasksPerSession > 0 && sum.Ran >= cfg.MaxTasksPerSession {
			s.logger.Info("session quota reached", zap.Int("tasks", sum.Ran))
			return StopQuota, nil
		}

		task, err := c.Claim(ctx)
		if errors.Is(err, ErrNoEligibleTask) {
			return StopNoTask, nil
		}
		if err != nil {
			return haltReason(ctx), err
		}
		sum.Ran++
		if err := s.runTask(ctx, task); err != nil {
			return haltReason(ctx), err
		}
	}
}

// runTask takes one claimed task to an outcome. A returned error halts the
// session; a task that merely fails is not an error.
func (s *Session) runTask(ctx context.Context, task *state.Task) error {
	c := s.coord
	cp := taskCheckpointer{coord: c, id: task.ID}

	if err := s.worker.Run(ctx, task, cp); err != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed: recovery decides next session.
			return ctx.Err()
		}
		return s.fail(ctx, task.ID, state.CategoryTaskExec, fmt.Sprintf("worker failed: %v", err))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	_, err := c.Finish(ctx, task)
	return err
}

func (s *Session) fail(ctx context.Context, id string, cat state.Category, msg string) error {
	_, err := s.coord.Fail(ctx, id, cat, msg)
	return err
}

// bootstrap runs the environment script if the state root has one.
func (s *Session) bootstrap(ctx context.Context) error {
	c := s.coord
	if s.opts.BootstrapScript == "" || s.opts.Executor == nil {
		return nil
	}
	root := c.store.Root()
	path := filepath.Join(root, s.opts.BootstrapScript)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat bootstrap script: %w", err)
	}

	res, err := s.opts.Executor.Run(ctx, process.Spec{
		Command: "sh " + shellQuote(path),
		Dir:     root,
		Timeout: s.opts.BootstrapTimeout,
	})
	var msg string
	switch {
	case err != nil:
		msg = fmt.Sprintf("%s could not run: %v", s.opts.BootstrapScript, err)
	case res.TimedOut:
		msg = fmt.Sprintf("%s timed out after %s", s.opts.BootstrapScript, s.opts.BootstrapTimeout)
	case !res.Passed():
		msg = fmt.Sprintf("%s exited %d", s.opts.BootstrapScript, res.ExitCode)
	default:
		return nil
	}
	c.appendLog(progress.Entry{Type: progress.TypeError, Category: state.CategoryEnvSetup, Message: msg})
	return fmt.Errorf("%w: %s", ErrBootstrap, msg)
}

// finish writes the STATS line and closes the session in the ledger.
func (s *Session) finish(ctx context.Context, sum *Summary) {
	c := s.coord
	ctx = context.WithoutCancel(ctx)

	if snap, err := c.Snapshot(ctx); err == nil {
		sum.Counts = snap.Counts()
	} else {
		s.logger.Warn("failed to read final state", zap.Error(err))
	}
	if entries, err := c.progress.Tail(256 * 1024); err == nil {
		sum.Finished = progress.FinishedInSession(entries, sum.Session)
	}

	line := FormatCounts(sum.Counts) + fmt.Sprintf(" finished=%d reason=%s", sum.Finished, sum.Reason)
	if c.ledger != nil {
		if st, err := c.ledger.Stats(ctx); err == nil {
			line += fmt.Sprintf(" attempts=%d mean=%s", st.Attempts, st.MeanDuration.Round(time.Second))
		}
		if err := c.ledger.EndSession(ctx, c.currentRun(), string(sum.Reason), sum.Finished, c.now()); err != nil {
			s.logger.Warn("failed to record session end", zap.Error(err))
		}
	}
	c.appendLog(progress.Entry{Type: progress.TypeStats, Message: line})

	counts := make(map[string]int, len(sum.Counts))
	for status, n := range sum.Counts {
		counts[string(status)] = n
	}
	c.emit(events.SessionEndedEvent{Session: sum.Session, Finished: sum.Finished, Reason: string(sum.Reason), Counts: counts, Timestamp: c.now()})
	s.logger.Info("session ended",
		zap.Int("session", sum.Session),
		zap.String("reason", string(sum.Reason)),
		zap.Int("finished", sum.Finished))
}

// FormatCounts renders status counts as "status=n ..." sorted by status,
// followed by the total.
func FormatCounts(counts map[state.TaskStatus]int) string {
	statuses := make([]string, 0, len(counts))
	total := 0
	for status, n := range counts {
		statuses = append(statuses, string(status))
		total += n
	}
	sort.Strings(statuses)

	var sb strings.Builder
	for _, status := range statuses {
		fmt.Fprintf(&sb, "%s=%d ", status, counts[state.TaskStatus(status)])
	}
	fmt.Fprintf(&sb, "total=%d", total)
	return sb.String()
}

func haltReason(ctx context.Context) StopReason {
	if ctx.Err() != nil {
		return StopCancelled
	}
	return StopHalted
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type taskCheckpointer struct {
	coord *Coordinator
	id    string
}

func (t taskCheckpointer) Checkpoint(ctx context.Context, step, total int, description string) error {
	return t.coord.Checkpoint(ctx, t.id, step, total, description)
}
