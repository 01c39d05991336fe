package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDocument(t *testing.T) *Document {
	t.Helper()
	doc := NewDocument(SessionConfig{MaxTasksPerSession: 5}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, doc.AddTask(NewTask("task-a", "First", "P0")))
	require.NoError(t, doc.AddTask(NewTask("task-b", "Second", "P1", "task-a")))
	return doc
}

func TestSaveAndLoad(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	doc := testDocument(t)

	require.NoError(t, store.Save(doc))

	loaded, src, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, SourcePrimary, src)
	require.Len(t, loaded.Tasks, 2)
	assert.Equal(t, "task-b", loaded.Tasks[1].ID)
	assert.Equal(t, []string{"task-a"}, loaded.Tasks[1].DependsOn)
	assert.Equal(t, ModeExclusive, loaded.SessionConfig.ConcurrencyMode)
	assert.Equal(t, 5, loaded.SessionConfig.MaxTasksPerSession)
}

func TestSaveCreatesBackupOfPreviousVersion(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	doc := testDocument(t)
	require.NoError(t, store.Save(doc))

	doc.SessionCount = 7
	require.NoError(t, store.Save(doc))

	backup, err := readDocument(store.backupPath())
	require.NoError(t, err)
	assert.Equal(t, 0, backup.SessionCount, "backup must hold the previous version")

	_, err = os.Stat(store.stagingPath())
	assert.True(t, os.IsNotExist(err), "staging file should be renamed away")
}

func TestLoadFallsBackToBackup(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	doc := testDocument(t)
	require.NoError(t, store.Save(doc))
	doc.SessionCount = 1
	require.NoError(t, store.Save(doc))

	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o644))

	loaded, src, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, SourceBackup, src)
	assert.Equal(t, 0, loaded.SessionCount)
}

func TestLoadBothCorruptIsFatal(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(store.backupPath(), []byte("[]"), 0o644))

	_, _, err := store.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateCorrupt))
}

func TestLoadAcceptsHookWrittenDocument(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	doc := `{
  "version": 2,
  "session_config": {"concurrency_mode": "concurrent"},
  "session_count": 3,
  "created": "2026-01-02T03:04:05Z",
  "tasks": [
    {
      "id": "task-a",
      "title": "Expired",
      "status": "failed",
      "attempts": 1,
      "max_attempts": 0,
      "error_log": [
        "[SESSION_TIMEOUT] Lease expired (claimed_by=w1)",
        {"category": "TEST_FAIL", "message": "validation FAIL (exit 1)", "timestamp": "2026-01-02T04:00:00Z"},
        "no category here"
      ]
    },
    {"id": "task-b", "title": "Default attempts", "status": "pending", "attempts": 0}
  ]
}`
	require.NoError(t, os.WriteFile(store.Path(), []byte(doc), 0o644))
	require.NoError(t, os.WriteFile(store.backupPath(), []byte(doc), 0o644))

	loaded, src, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, SourcePrimary, src)

	a, _ := loaded.Task("task-a")
	require.Len(t, a.ErrorLog, 3)
	assert.Equal(t, CategorySessionTimeout, a.ErrorLog[0].Category)
	assert.Equal(t, "Lease expired (claimed_by=w1)", a.ErrorLog[0].Message)
	assert.Equal(t, CategoryTestFail, a.ErrorLog[1].Category)
	assert.Equal(t, Category(""), a.ErrorLog[2].Category)
	assert.Equal(t, "no category here", a.ErrorLog[2].String())

	require.NotNil(t, a.MaxAttempts, "an explicit zero is kept")
	assert.Equal(t, 0, *a.MaxAttempts)
	assert.True(t, a.PermanentlyFailed(), "max_attempts 0 means no retries")

	b, _ := loaded.Task("task-b")
	assert.Nil(t, b.MaxAttempts)
	assert.Equal(t, DefaultMaxAttempts, b.EffectiveMaxAttempts())

	// Saving writes entries as objects and keeps the explicit zero.
	require.NoError(t, store.Save(loaded))
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"max_attempts": 0`)
	assert.Contains(t, string(data), `"category": "SESSION_TIMEOUT"`)

	reloaded, _, err := store.Load()
	require.NoError(t, err)
	a, _ = reloaded.Task("task-a")
	require.NotNil(t, a.MaxAttempts)
	assert.Equal(t, 0, *a.MaxAttempts)
	assert.Equal(t, a.ErrorLog[0].String(), "[SESSION_TIMEOUT] Lease expired (claimed_by=w1)")
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	raw := `{"version":2,"tasks":[{"id":"x","status":"pending"},{"id":"x","status":"pending"}]}`
	require.NoError(t, os.WriteFile(store.Path(), []byte(raw), 0o644))

	_, _, err := store.Load()
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestCrashBeforeRenameLeavesParsableDocument(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	doc := testDocument(t)
	require.NoError(t, store.Save(doc))

	crash := errors.New("simulated crash")
	store.beforeRename = func() error {
		// Leave a torn staging file behind as a killed writer would.
		return errors.Join(crash, os.WriteFile(store.stagingPath(), []byte(`{"version":`), 0o644))
	}
	doc.SessionCount = 42
	err := store.Save(doc)
	require.ErrorIs(t, err, crash)

	store.beforeRename = nil
	loaded, src, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, SourcePrimary, src)
	assert.Equal(t, 0, loaded.SessionCount)
}

func TestSaveDoesNotBackUpCorruptPrimary(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	doc := testDocument(t)
	require.NoError(t, store.Save(doc))
	doc.SessionCount = 3
	require.NoError(t, store.Save(doc))

	require.NoError(t, os.WriteFile(store.Path(), []byte("garbage"), 0o644))
	doc.SessionCount = 4
	require.NoError(t, store.Save(doc))

	backup, err := readDocument(store.backupPath())
	require.NoError(t, err)
	assert.Equal(t, 0, backup.SessionCount)
}

func TestInitRefusesExisting(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	require.NoError(t, store.Init(testDocument(t)))
	assert.Error(t, store.Init(testDocument(t)))
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)
	require.NoError(t, store.Save(testDocument(t)))

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	got, err := FindRoot("", nested)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = FindRoot(root, "/")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = FindRoot("", t.TempDir())
	assert.ErrorIs(t, err, ErrRootNotFound)
}
