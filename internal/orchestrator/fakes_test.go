package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/harness/internal/lock"
	"github.com/aristath/harness/internal/process"
	"github.com/aristath/harness/internal/progress"
	"github.com/aristath/harness/internal/state"
	"github.com/aristath/harness/internal/validation"
	"github.com/aristath/harness/internal/vcs"
)

// fakeRepo models a linear history and a set of dirty paths.
type fakeRepo struct {
	mu        sync.Mutex
	log       []vcs.Commit // oldest first
	gone      map[string]bool
	changed   []string
	resets    []string
	resetErr  error
	commitErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{log: []vcs.Commit{{Hash: "c0", Message: "initial"}}, gone: map[string]bool{}}
}

func (r *fakeRepo) Head(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log[len(r.log)-1].Hash, nil
}

func (r *fakeRepo) Exists(ctx context.Context, rev string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone[rev] {
		return false, nil
	}
	return r.index(rev) >= 0, nil
}

func (r *fakeRepo) ResetHard(ctx context.Context, rev string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, rev)
	if r.resetErr != nil {
		return r.resetErr
	}
	i := r.index(rev)
	if i < 0 {
		return fmt.Errorf("unknown revision %s", rev)
	}
	r.log = r.log[:i+1]
	r.changed = nil
	return nil
}

func (r *fakeRepo) Commit(ctx context.Context, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return "", r.commitErr
	}
	hash := fmt.Sprintf("c%d", len(r.log))
	r.log = append(r.log, vcs.Commit{Hash: hash, Message: message})
	r.changed = nil
	return hash, nil
}

func (r *fakeRepo) HasUncommitted(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changed) > 0, nil
}

func (r *fakeRepo) ChangedFiles(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changed...), nil
}

func (r *fakeRepo) CommitsSince(ctx context.Context, rev, taskID string) ([]vcs.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(rev)
	if i < 0 {
		return nil, fmt.Errorf("unknown revision %s", rev)
	}
	var out []vcs.Commit
	for j := len(r.log) - 1; j > i; j-- {
		if taskID == "" || vcs.MentionsTask(r.log[j].Message, taskID) {
			out = append(out, r.log[j])
		}
	}
	return out, nil
}

func (r *fakeRepo) index(rev string) int {
	for i, c := range r.log {
		if c.Hash == rev {
			return i
		}
	}
	return -1
}

// dirty marks paths as uncommitted changes.
func (r *fakeRepo) dirty(paths ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, paths...)
}

func (r *fakeRepo) head() string {
	h, _ := r.Head(context.Background())
	return h
}

// fakeValidator returns queued outcomes, then PASS.
type fakeValidator struct {
	mu       sync.Mutex
	outcomes []validation.Outcome
	err      error
	calls    int
}

func (v *fakeValidator) Validate(ctx context.Context, val *state.Validation) (validation.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if val == nil || val.Command == "" {
		return validation.Result{}, validation.ErrNoValidation
	}
	v.calls++
	if v.err != nil {
		return validation.Result{}, v.err
	}
	out := validation.Pass
	if len(v.outcomes) > 0 {
		out = v.outcomes[0]
		v.outcomes = v.outcomes[1:]
	}
	res := validation.Result{Outcome: out, Duration: time.Millisecond}
	if out != validation.Pass {
		res.ExitCode = 1
		res.Output = "FAIL: TestSomething\n"
	}
	return res, nil
}

// fakeExec records commands and returns a fixed result.
type fakeExec struct {
	mu     sync.Mutex
	specs  []process.Spec
	result process.Result
	err    error
}

func (e *fakeExec) Run(ctx context.Context, spec process.Spec) (process.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.specs = append(e.specs, spec)
	return e.result, e.err
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture is one state root shared by any number of coordinators.
type fixture struct {
	root    string
	lockDir string
	store   *state.Store
	plog    *progress.Log
	repo    *fakeRepo
	val     *fakeValidator
	exec    *fakeExec
	clock   *fakeClock
}

func newFixture(t *testing.T, doc *state.Document) *fixture {
	t.Helper()
	f := &fixture{
		root:    t.TempDir(),
		lockDir: t.TempDir(),
		repo:    newFakeRepo(),
		val:     &fakeValidator{},
		exec:    &fakeExec{},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.store = state.NewStore(f.root, nil)
	f.plog = progress.New(f.root)
	require.NoError(t, f.store.Init(doc))
	return f
}

func (f *fixture) lockManager() *lock.Manager {
	return lock.New(f.root, lock.Options{Dir: f.lockDir, Timeout: 10 * time.Second})
}

func (f *fixture) coordinator(worker string) *Coordinator {
	return f.coordinatorWithLock(worker, f.lockManager())
}

func (f *fixture) coordinatorWithLock(worker string, lk *lock.Manager) *Coordinator {
	c := NewCoordinator(f.store, f.plog, lk, f.repo, f.val, f.exec, Options{
		WorkerID: worker,
		Lease:    30 * time.Minute,
		WorkDir:  f.root,
		Now:      f.clock.Now,
	})
	c.SetSession(1, "")
	return c
}

func (f *fixture) load(t *testing.T) *state.Document {
	t.Helper()
	doc, _, err := f.store.Load()
	require.NoError(t, err)
	return doc
}

func (f *fixture) task(t *testing.T, id string) *state.Task {
	t.Helper()
	task, ok := f.load(t).Task(id)
	require.True(t, ok, "task %s not found", id)
	return task
}

func (f *fixture) entries(t *testing.T) []progress.Entry {
	t.Helper()
	entries, err := f.plog.Tail(0)
	require.NoError(t, err)
	return entries
}

// entriesOf returns log entries of one type, optionally for one task.
func (f *fixture) entriesOf(t *testing.T, typ progress.EventType, taskID string) []progress.Entry {
	t.Helper()
	var out []progress.Entry
	for _, e := range f.entries(t) {
		if e.Type == typ && (taskID == "" || e.TaskID == taskID) {
			out = append(out, e)
		}
	}
	return out
}

func newDoc(t *testing.T, cfg state.SessionConfig, tasks ...*state.Task) *state.Document {
	t.Helper()
	doc := state.NewDocument(cfg, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	for _, task := range tasks {
		require.NoError(t, doc.AddTask(task))
	}
	return doc
}

// validated returns a pending task with a validation command.
func validated(id, title, priority string, deps ...string) *state.Task {
	task := state.NewTask(id, title, priority, deps...)
	task.Validation = &state.Validation{Command: "make test", TimeoutSeconds: 60}
	return task
}

var concurrent = state.SessionConfig{ConcurrencyMode: state.ModeConcurrent}

// funcWorker adapts a function to Worker.
type funcWorker func(ctx context.Context, task *state.Task, cp Checkpointer) error

func (f funcWorker) Run(ctx context.Context, task *state.Task, cp Checkpointer) error {
	return f(ctx, task, cp)
}

var errWorker = errors.New("agent exited 1")
