// Package lock provides cross-process mutual exclusion over a state root.
//
// The primitive is a directory created with mkdir (atomic create-if-absent)
// whose name is derived from a hash of the absolute state-root path, so every
// worker agrees on the lock no matter which subdirectory it runs from. The
// directory records the owning pid and a per-acquisition token. A lock whose
// owner is dead is reclaimed by renaming it aside before deleting it; the
// rename is the only step that can race, and losing it yields ErrContention.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrLocked is returned when a live process holds the lock.
	ErrLocked = errors.New("lock held by another live process")
	// ErrContention is returned when stale-lock reclamation raced with another reclaimer.
	ErrContention = errors.New("lock contention during stale reclaim")
)

const (
	pidFile   = "pid"
	tokenFile = "token"

	// missingPIDGrace is how long a lock without a pid file is assumed to be
	// mid-creation rather than abandoned.
	missingPIDGrace = time.Second
)

// Options configures a Manager.
type Options struct {
	// Dir holds lock objects. Defaults to os.TempDir().
	Dir string
	// Timeout bounds WithTransaction retries. Defaults to 5s.
	Timeout time.Duration
	// Logger receives reclaim and release diagnostics.
	Logger *zap.Logger
	// OnReclaim is called after a stale lock owned by pid was removed.
	OnReclaim func(pid int)
	// Inherited is the token of a session lock held by a parent process that
	// is blocked on this one. While the lock still records that token,
	// transactions run under the parent's hold.
	Inherited string
}

// Manager acquires and releases the lock for one state root.
// A Manager is owned by a single worker; separate workers use separate Managers.
type Manager struct {
	path      string
	timeout   time.Duration
	logger    *zap.Logger
	onReclaim func(pid int)
	inherited string

	pid      int
	pidAlive func(pid int) bool
	now      func() time.Time

	mu      sync.Mutex
	token   string
	session bool
}

// Path returns the lock object path for root inside dir.
func Path(dir, root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(dir, "harness-"+hex.EncodeToString(sum[:])[:16]+".lock")
}

// New creates a Manager for the state root.
func New(root string, opts Options) *Manager {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		path:      Path(opts.Dir, root),
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		onReclaim: opts.OnReclaim,
		inherited: opts.Inherited,
		pid:       os.Getpid(),
		pidAlive:  processAlive,
		now:       time.Now,
	}
}

// LockPath returns the lock object this Manager uses.
func (m *Manager) LockPath() string { return m.path }

// Held reports whether this Manager currently holds the lock.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

// SessionToken returns the token of the session lock this Manager holds, or
// "" outside an exclusive session. A child process given the token through
// Options.Inherited can transact while the session is held.
func (m *Manager) SessionToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session {
		return ""
	}
	return m.token
}

// AcquireSession takes the lock for a whole exclusive session.
// It fails fast with ErrLocked rather than queuing behind another worker.
func (m *Manager) AcquireSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" {
		return fmt.Errorf("lock already held by this worker")
	}
	if err := m.tryAcquire(); err != nil {
		return err
	}
	m.session = true
	return nil
}

// Release drops the lock if this Manager holds it. Safe to call repeatedly.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = false
	return m.release()
}

// WithTransaction runs fn while holding the lock. Inside an exclusive session,
// this process's or an inherited one, the session lock already covers fn.
// Otherwise the lock is acquired with
// backoff for up to the configured timeout and released when fn returns.
func (m *Manager) WithTransaction(ctx context.Context, fn func() error) error {
	m.mu.Lock()
	if m.session {
		m.mu.Unlock()
		return fn()
	}
	m.mu.Unlock()
	if m.inherits() {
		return fn()
	}

	if err := m.acquireWithRetry(ctx); err != nil {
		return err
	}
	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.release(); err != nil {
			m.logger.Warn("failed to release transaction lock", zap.Error(err))
		}
	}()

	return fn()
}

func (m *Manager) acquireWithRetry(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = m.timeout
	policy.Multiplier = 2.0
	policy.RandomizationFactor = 0.5

	var lastErr error
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		err := m.tryAcquire()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrLocked) || errors.Is(err, ErrContention) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if lastErr != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("failed to acquire lock within %s: %w", m.timeout, lastErr)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// tryAcquire makes one acquisition attempt, reclaiming a stale lock at most once.
// Caller holds m.mu.
func (m *Manager) tryAcquire() error {
	if m.token != "" {
		return fmt.Errorf("lock already held by this worker")
	}

	err := m.create()
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to create lock %s: %w", m.path, err)
	}

	pid, stale := m.inspect()
	if !stale {
		if pid > 0 {
			return fmt.Errorf("%w (pid=%d)", ErrLocked, pid)
		}
		return fmt.Errorf("%w (pid missing)", ErrLocked)
	}

	if err := m.reclaim(pid); err != nil {
		return err
	}

	if err := m.create(); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: lock re-taken after reclaim", ErrContention)
		}
		return fmt.Errorf("failed to create lock %s: %w", m.path, err)
	}
	return nil
}

// create makes the lock directory and records ownership. Caller holds m.mu.
func (m *Manager) create() error {
	if err := os.Mkdir(m.path, 0o700); err != nil {
		return err
	}
	token := uuid.NewString()
	if err := os.WriteFile(filepath.Join(m.path, pidFile), []byte(strconv.Itoa(m.pid)), 0o600); err != nil {
		os.RemoveAll(m.path)
		return fmt.Errorf("failed to write lock pid: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.path, tokenFile), []byte(token), 0o600); err != nil {
		os.RemoveAll(m.path)
		return fmt.Errorf("failed to write lock token: %w", err)
	}
	m.token = token
	return nil
}

// inspect reads the recorded owner and decides whether the lock is stale.
func (m *Manager) inspect() (pid int, stale bool) {
	pid, ok := readPID(m.path)
	if !ok {
		info, err := os.Stat(m.path)
		if err != nil {
			// Vanished between mkdir and stat: let the caller retry.
			return 0, false
		}
		return 0, m.now().Sub(info.ModTime()) >= missingPIDGrace
	}
	return pid, !m.pidAlive(pid)
}

// reclaim renames a stale lock aside and deletes it. If the directory that was
// renamed is not the one inspected (another worker reclaimed and re-acquired
// in between), it is put back and ErrContention is returned.
func (m *Manager) reclaim(observedPID int) error {
	stalePath := fmt.Sprintf("%s.stale.%d.%d", m.path, m.pid, m.now().UnixNano())
	if err := os.Rename(m.path, stalePath); err != nil {
		return fmt.Errorf("%w: %v", ErrContention, err)
	}

	if pid, ok := readPID(stalePath); ok && pid != observedPID && m.pidAlive(pid) {
		if err := os.Rename(stalePath, m.path); err != nil {
			m.logger.Error("failed to restore live lock taken during reclaim",
				zap.String("path", stalePath), zap.Int("pid", pid), zap.Error(err))
		}
		return fmt.Errorf("%w: lock changed owner during reclaim", ErrContention)
	}

	if err := os.RemoveAll(stalePath); err != nil {
		m.logger.Warn("failed to delete stale lock", zap.String("path", stalePath), zap.Error(err))
	}
	m.logger.Info("reclaimed stale lock", zap.String("path", m.path), zap.Int("stale_pid", observedPID))
	if m.onReclaim != nil {
		m.onReclaim(observedPID)
	}
	return nil
}

// release removes the lock directory if our token is still recorded there.
// Caller holds m.mu.
func (m *Manager) release() error {
	if m.token == "" {
		return nil
	}
	token := m.token
	m.token = ""

	data, err := os.ReadFile(filepath.Join(m.path, tokenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock token: %w", err)
	}
	if strings.TrimSpace(string(data)) != token {
		m.logger.Warn("lock no longer owned by this worker, leaving it in place", zap.String("path", m.path))
		return nil
	}
	if err := os.RemoveAll(m.path); err != nil {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	return nil
}

// inherits reports whether the lock is held under the inherited token.
func (m *Manager) inherits() bool {
	if m.inherited == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(m.path, tokenFile))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == m.inherited
}

func readPID(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, pidFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
