package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/harness/internal/progress"
	"github.com/aristath/harness/internal/state"
	"github.com/aristath/harness/internal/validation"
)

// interrupted returns a task left in_progress by a crashed worker.
func interrupted(id string, claimedAt time.Time) *state.Task {
	task := validated(id, "Interrupted", "P0")
	task.Status = state.StatusInProgress
	task.StartedAtCommit = "c0"
	task.ClaimedAt = &claimedAt
	return task
}

func TestRecoveryTable(t *testing.T) {
	claimedAt := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		checkpoints []state.Checkpoint
		repo        func(r *fakeRepo)
		outcomes    []validation.Outcome
		action      RecoveryAction
		status      state.TaskStatus
		category    state.Category
		attempts    int
		logLen      int // commits in history afterwards, baseline included
	}{
		{
			name:     "nothing happened",
			action:   RecoveryTimedOut,
			status:   state.StatusFailed,
			category: state.CategorySessionTimeout,
			attempts: 1,
			logLen:   1,
		},
		{
			name:        "checkpoint without fingerprint",
			checkpoints: []state.Checkpoint{{Step: 1, Total: 2, Description: "half"}},
			action:      RecoveryWorkLost,
			status:      state.StatusFailed,
			category:    state.CategorySessionTimeout,
			attempts:    1,
			logLen:      1,
		},
		{
			name:        "checkpoint matches tree",
			checkpoints: []state.Checkpoint{{Step: 1, Total: 2, Description: "half", Revision: "c0"}},
			action:      RecoveryResumed,
			status:      state.StatusInProgress,
			logLen:      1,
		},
		{
			name:        "checkpoint taken on another revision",
			checkpoints: []state.Checkpoint{{Step: 2, Total: 2, Description: "done", Revision: "c7"}},
			action:      RecoveryWorkLost,
			status:      state.StatusFailed,
			category:    state.CategorySessionTimeout,
			attempts:    1,
			logLen:      1,
		},
		{
			name: "unrelated commits only",
			repo: func(r *fakeRepo) {
				r.Commit(context.Background(), "someone else's change")
			},
			action:   RecoveryTimedOut,
			status:   state.StatusFailed,
			category: state.CategorySessionTimeout,
			attempts: 1,
			logLen:   2,
		},
		{
			name: "commits of a task sharing the id prefix",
			repo: func(r *fakeRepo) {
				r.Commit(context.Background(), "task-f2: another worker's task")
			},
			action:   RecoveryTimedOut,
			status:   state.StatusFailed,
			category: state.CategorySessionTimeout,
			attempts: 1,
			logLen:   2,
		},
		{
			name: "task commits, validation passes",
			repo: func(r *fakeRepo) {
				r.Commit(context.Background(), "task-f: work")
			},
			action: RecoveryCompleted,
			status: state.StatusCompleted,
			logLen: 2,
		},
		{
			name: "task commits, validation fails",
			repo: func(r *fakeRepo) {
				r.Commit(context.Background(), "task-f: work")
			},
			outcomes: []validation.Outcome{validation.Fail},
			action:   RecoveryRolledBack,
			status:   state.StatusFailed,
			category: state.CategoryTestFail,
			attempts: 1,
			logLen:   1,
		},
		{
			name:   "uncommitted changes, validation passes",
			repo:   func(r *fakeRepo) { r.dirty("f.go") },
			action: RecoveryCompleted,
			status: state.StatusCompleted,
			logLen: 2,
		},
		{
			name:     "uncommitted changes, validation times out",
			repo:     func(r *fakeRepo) { r.dirty("f.go") },
			outcomes: []validation.Outcome{validation.Timeout},
			action:   RecoveryRolledBack,
			status:   state.StatusFailed,
			category: state.CategoryTimeout,
			attempts: 1,
			logLen:   1,
		},
		{
			name: "commits and uncommitted changes",
			repo: func(r *fakeRepo) {
				r.Commit(context.Background(), "task-f: part one")
				r.dirty("f.go")
			},
			action: RecoveryCompleted,
			status: state.StatusCompleted,
			logLen: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := interrupted("task-f", claimedAt)
			task.Checkpoints = tt.checkpoints
			f := newFixture(t, newDoc(t, state.SessionConfig{}, task))
			if tt.repo != nil {
				tt.repo(f.repo)
			}
			f.val.outcomes = tt.outcomes

			recoveries, resumed, err := f.coordinator("").Recover(context.Background())
			require.NoError(t, err)
			require.Len(t, recoveries, 1)
			assert.Equal(t, tt.action, recoveries[0].Action)
			assert.Equal(t, tt.action == RecoveryResumed, len(resumed) == 1)

			got := f.task(t, "task-f")
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.attempts, got.Attempts)
			if tt.category != "" {
				require.NotEmpty(t, got.ErrorLog)
				assert.Equal(t, tt.category, got.ErrorLog[len(got.ErrorLog)-1].Category)
			}
			assert.Len(t, f.repo.log, tt.logLen)
			assert.Empty(t, f.repo.changed, "no uncommitted work may survive recovery")

			entries := f.entriesOf(t, progress.TypeRecovery, "task-f")
			require.Len(t, entries, 1)
			assert.Contains(t, entries[0].Message, string(tt.action))
		})
	}
}

func TestRecoveryCommitsUncommittedWorkWithTaskID(t *testing.T) {
	f := newFixture(t, newDoc(t, state.SessionConfig{}, interrupted("task-f", time.Now())))
	f.repo.dirty("f.go")

	_, _, err := f.coordinator("").Recover(context.Background())
	require.NoError(t, err)

	require.Len(t, f.repo.log, 2)
	assert.Equal(t, "task-f: Interrupted", f.repo.log[1].Message)
}

func TestRecoveryRespectsLiveClaims(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	live := interrupted("task-live", now)
	live.ClaimedBy = "w2"
	liveExpiry := now.Add(10 * time.Minute)
	live.LeaseExpiresAt = &liveExpiry

	expired := interrupted("task-expired", now.Add(-time.Hour))
	expired.ClaimedBy = "w3"
	expiredAt := now.Add(-time.Minute)
	expired.LeaseExpiresAt = &expiredAt

	f := newFixture(t, newDoc(t, concurrent, live, expired))
	recoveries, _, err := f.coordinator("w1").Recover(context.Background())
	require.NoError(t, err)

	actions := map[string]RecoveryAction{}
	for _, r := range recoveries {
		actions[r.TaskID] = r.Action
	}
	assert.Equal(t, RecoverySkipped, actions["task-live"])
	assert.Equal(t, RecoveryTimedOut, actions["task-expired"])

	untouched := f.task(t, "task-live")
	assert.Equal(t, state.StatusInProgress, untouched.Status)
	assert.Equal(t, "w2", untouched.ClaimedBy)
	assert.Empty(t, f.entriesOf(t, progress.TypeRecovery, "task-live"))

	reaped := f.task(t, "task-expired")
	assert.Equal(t, state.StatusFailed, reaped.Status)
	assert.Empty(t, reaped.ClaimedBy)
}

func TestRecoveryResumeReownsTask(t *testing.T) {
	task := interrupted("task-f", time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))
	task.ClaimedBy = "w1"
	old := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	task.LeaseExpiresAt = &old
	task.Checkpoints = []state.Checkpoint{{Step: 1, Total: 3, Description: "scaffold", Revision: "c0"}}
	f := newFixture(t, newDoc(t, concurrent, task))

	_, resumed, err := f.coordinator("w1").Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, resumed, 1)

	got := f.task(t, "task-f")
	assert.Equal(t, state.StatusInProgress, got.Status)
	assert.Equal(t, "w1", got.ClaimedBy)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), *got.LeaseExpiresAt)
}

func TestRecoveryWithoutValidationHalts(t *testing.T) {
	task := interrupted("task-f", time.Now())
	task.Validation = nil
	f := newFixture(t, newDoc(t, state.SessionConfig{}, task))
	f.repo.dirty("f.go")

	_, _, err := f.coordinator("").Recover(context.Background())
	require.ErrorIs(t, err, validation.ErrNoValidation)
	assert.Equal(t, state.StatusInProgress, f.task(t, "task-f").Status)
}
