package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/harness/internal/history"
	"github.com/aristath/harness/internal/lock"
	"github.com/aristath/harness/internal/process"
	"github.com/aristath/harness/internal/progress"
	"github.com/aristath/harness/internal/state"
)

// editingWorker changes one file per task and checkpoints once.
func editingWorker(f *fixture, ran *[]string) Worker {
	return funcWorker(func(ctx context.Context, task *state.Task, cp Checkpointer) error {
		*ran = append(*ran, task.ID)
		f.repo.dirty(task.ID + ".go")
		return cp.Checkpoint(ctx, 1, 1, "edited "+task.ID)
	})
}

func (f *fixture) session(worker Worker) (*Session, *lock.Manager) {
	lk := f.lockManager()
	c := f.coordinatorWithLock("", lk)
	return NewSession(c, lk, worker, SessionOptions{BootstrapScript: "init.sh", Executor: f.exec}), lk
}

func TestSessionRunsUntilNoEligibleTask(t *testing.T) {
	f := newFixture(t, newDoc(t, state.SessionConfig{},
		validated("task-b", "Second", "P1", "task-a"),
		validated("task-a", "First", "P0"),
	))
	var ran []string
	s, lk := f.session(editingWorker(f, &ran))

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopNoTask, sum.Reason)
	assert.Equal(t, []string{"task-a", "task-b"}, ran)
	assert.Equal(t, 2, sum.Ran)
	assert.Equal(t, 2, sum.Finished)
	assert.Equal(t, 2, sum.Counts[state.StatusCompleted])
	assert.False(t, lk.Held(), "session lock must be released")
	assert.Empty(t, f.exec.specs, "absent bootstrap script is skipped")

	doc := f.load(t)
	assert.Equal(t, 1, doc.SessionCount)
	assert.NotNil(t, doc.LastSession)

	require.Len(t, f.repo.log, 3)
	assert.Equal(t, "task-a: First", f.repo.log[1].Message)

	require.Len(t, f.entriesOf(t, progress.TypeInit, ""), 1)
	stats := f.entriesOf(t, progress.TypeStats, "")
	require.Len(t, stats, 1)
	assert.Equal(t, "completed=2 total=2 finished=2 reason=no_eligible_task", stats[0].Message)
	for _, e := range f.entries(t) {
		assert.Equal(t, 1, e.Session)
	}
}

func TestSessionStopsAtQuota(t *testing.T) {
	f := newFixture(t, newDoc(t, state.SessionConfig{MaxTasksPerSession: 1},
		validated("task-a", "A", "P0"),
		validated("task-b", "B", "P0"),
	))
	var ran []string
	s, _ := f.session(editingWorker(f, &ran))

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopQuota, sum.Reason)
	assert.Equal(t, []string{"task-a"}, ran)
	assert.Equal(t, state.StatusPending, f.task(t, "task-b").Status, "quota is a session boundary, not a failure")
}

func TestSessionLimit(t *testing.T) {
	doc := newDoc(t, state.SessionConfig{MaxSessions: 2}, validated("task-a", "A", "P0"))
	doc.SessionCount = 2
	f := newFixture(t, doc)
	s, _ := f.session(editingWorker(f, new([]string)))

	sum, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrSessionLimit)
	assert.Equal(t, StopLimit, sum.Reason)
	assert.Len(t, f.entriesOf(t, progress.TypeWarn, ""), 1)
	assert.Equal(t, 2, f.load(t).SessionCount)
}

func TestSessionFailsFastWhenLocked(t *testing.T) {
	f := newFixture(t, newDoc(t, state.SessionConfig{}, validated("task-a", "A", "P0")))
	holder := f.lockManager()
	require.NoError(t, holder.AcquireSession())
	defer holder.Release()

	s, _ := f.session(editingWorker(f, new([]string)))
	sum, err := s.Run(context.Background())
	require.ErrorIs(t, err, lock.ErrLocked)
	assert.Equal(t, StopLocked, sum.Reason)
	assert.Len(t, f.entriesOf(t, progress.TypeLock, ""), 1)
	assert.Equal(t, 0, f.load(t).SessionCount)
}

func TestSessionBootstrapFailureHalts(t *testing.T) {
	f := newFixture(t, newDoc(t, state.SessionConfig{}, validated("task-a", "A", "P0")))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "init.sh"), []byte("exit 1\n"), 0o755))
	f.exec.result = process.Result{ExitCode: 1}
	var ran []string
	s, _ := f.session(editingWorker(f, &ran))

	sum, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrBootstrap)
	assert.Equal(t, StopHalted, sum.Reason)
	assert.Empty(t, ran)
	assert.Equal(t, state.StatusPending, f.task(t, "task-a").Status, "bootstrap failure never touches tasks")

	require.Len(t, f.exec.specs, 1)
	assert.True(t, strings.HasPrefix(f.exec.specs[0].Command, "sh '"))
	assert.Equal(t, f.root, f.exec.specs[0].Dir)

	errs := f.entriesOf(t, progress.TypeError, "")
	require.Len(t, errs, 1)
	assert.Equal(t, state.CategoryEnvSetup, errs[0].Category)
}

func TestSessionWorkerErrorFailsAndRetries(t *testing.T) {
	f := newFixture(t, newDoc(t, state.SessionConfig{}, validated("task-a", "A", "P0")))
	calls := 0
	s, _ := f.session(funcWorker(func(ctx context.Context, task *state.Task, cp Checkpointer) error {
		calls++
		f.repo.dirty("a.go")
		if calls == 1 {
			return errWorker
		}
		return nil
	}))

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Ran)

	task := f.task(t, "task-a")
	assert.Equal(t, state.StatusCompleted, task.Status)
	assert.Equal(t, 1, task.Attempts)
	require.Len(t, task.ErrorLog, 1)
	assert.Equal(t, state.CategoryTaskExec, task.ErrorLog[0].Category)
	assert.Equal(t, []string{"c0"}, f.repo.resets)
}

func TestSessionHaltsWithoutValidationCommand(t *testing.T) {
	f := newFixture(t, newDoc(t, state.SessionConfig{}, state.NewTask("task-a", "A", "P0")))
	s, _ := f.session(editingWorker(f, new([]string)))

	sum, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StopHalted, sum.Reason)
	assert.Equal(t, state.StatusInProgress, f.task(t, "task-a").Status)
}

func TestSessionCancellationLeavesTaskForRecovery(t *testing.T) {
	f := newFixture(t, newDoc(t, state.SessionConfig{}, validated("task-a", "A", "P0")))
	ctx, cancel := context.WithCancel(context.Background())
	s, _ := f.session(funcWorker(func(ctx context.Context, task *state.Task, cp Checkpointer) error {
		f.repo.dirty("a.go")
		cancel()
		return ctx.Err()
	}))

	sum, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCancelled, sum.Reason)

	task := f.task(t, "task-a")
	assert.Equal(t, state.StatusInProgress, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Len(t, f.entriesOf(t, progress.TypeStats, ""), 1)

	// The next session finds the uncommitted work and validates it.
	s2, _ := f.session(editingWorker(f, new([]string)))
	sum, err = s2.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Recoveries, 1)
	assert.Equal(t, RecoveryCompleted, sum.Recoveries[0].Action)
	assert.Equal(t, state.StatusCompleted, f.task(t, "task-a").Status)
}

func TestSessionRunsResumedTaskFirst(t *testing.T) {
	resumable := interrupted("task-z", time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))
	resumable.Checkpoints = []state.Checkpoint{{Step: 1, Total: 2, Description: "half", Revision: "c0"}}
	f := newFixture(t, newDoc(t, state.SessionConfig{}, validated("task-a", "A", "P0"), resumable))

	var ran []string
	s, _ := f.session(editingWorker(f, &ran))
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"task-z", "task-a"}, ran)
}

func TestSessionRecordsLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newDoc(t, state.SessionConfig{}, validated("task-a", "A", "P0")))
	ledger, err := history.OpenMemory(ctx)
	require.NoError(t, err)
	defer ledger.Close()

	lk := f.lockManager()
	c := NewCoordinator(f.store, f.plog, lk, f.repo, f.val, f.exec, Options{Ledger: ledger, Now: f.clock.Now})
	s := NewSession(c, lk, editingWorker(f, new([]string)), SessionOptions{})

	_, err = s.Run(ctx)
	require.NoError(t, err)

	st, err := ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 0, st.Open)

	stats := f.entriesOf(t, progress.TypeStats, "")
	require.Len(t, stats, 1)
	assert.Contains(t, stats[0].Message, "attempts=1")
}

func TestFormatCounts(t *testing.T) {
	got := FormatCounts(map[state.TaskStatus]int{
		state.StatusPending:   2,
		state.StatusCompleted: 1,
		state.StatusFailed:    1,
	})
	assert.Equal(t, "completed=1 failed=1 pending=2 total=4", got)
	assert.Equal(t, "total=0", FormatCounts(nil))
}
