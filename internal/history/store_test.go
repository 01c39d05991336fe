package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// testLedger creates an in-memory ledger for testing and registers cleanup.
func testLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAttemptLifecycle(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	runID, err := l.StartSession(ctx, 1, "worker-a", t0)
	require.NoError(t, err)

	id, err := l.StartAttempt(ctx, Attempt{
		RunID: runID, TaskID: "T-1", Attempt: 1, Worker: "worker-a", Baseline: "abc", StartedAt: t0,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, l.FinishAttempt(ctx, "T-1", OutcomeFailed, "TEST_FAIL", "exit 1", t0.Add(time.Minute)))

	_, err = l.StartAttempt(ctx, Attempt{
		RunID: runID, TaskID: "T-1", Attempt: 2, Worker: "worker-a", Baseline: "abc", StartedAt: t0.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, l.FinishAttempt(ctx, "T-1", OutcomeCompleted, "", "", t0.Add(5*time.Minute)))

	attempts, err := l.TaskAttempts(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, "TEST_FAIL", attempts[0].Category)
	assert.Equal(t, OutcomeCompleted, attempts[1].Outcome)
	require.NotNil(t, attempts[1].EndedAt)

	require.NoError(t, l.EndSession(ctx, runID, "no eligible task", 1, t0.Add(6*time.Minute)))

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Sessions:     1,
		Attempts:     2,
		Completed:    1,
		Failed:       1,
		MeanDuration: 2 * time.Minute,
	}, st)
}

func TestStartAttemptSupersedesOpenAttempt(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	_, err := l.StartAttempt(ctx, Attempt{TaskID: "T-1", Attempt: 1, Worker: "a", Baseline: "x", StartedAt: t0})
	require.NoError(t, err)
	_, err = l.StartAttempt(ctx, Attempt{TaskID: "T-1", Attempt: 2, Worker: "b", Baseline: "x", StartedAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	attempts, err := l.TaskAttempts(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, OutcomeFailed, attempts[0].Outcome)
	assert.Nil(t, attempts[1].EndedAt)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Open)
}

func TestFinishWithoutOpenAttempt(t *testing.T) {
	l := testLedger(t)
	assert.NoError(t, l.FinishAttempt(context.Background(), "unknown", OutcomeCompleted, "", "", t0))
}

func TestEndUnknownSession(t *testing.T) {
	l := testLedger(t)
	assert.Error(t, l.EndSession(context.Background(), "missing", "done", 0, t0))
}

func TestMemoryLedgersAreIsolated(t *testing.T) {
	a := testLedger(t)
	b := testLedger(t)
	ctx := context.Background()

	_, err := a.StartSession(ctx, 1, "w", t0)
	require.NoError(t, err)

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Sessions)
}

func TestOpenOnDiskPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".harness", "history.db")
	ctx := context.Background()

	l, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = l.StartSession(ctx, 4, "w", t0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	st, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sessions)
}
