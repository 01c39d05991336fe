package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/harness/internal/config"
	"github.com/aristath/harness/internal/events"
	"github.com/aristath/harness/internal/history"
	"github.com/aristath/harness/internal/lock"
	"github.com/aristath/harness/internal/logging"
	"github.com/aristath/harness/internal/metrics"
	"github.com/aristath/harness/internal/orchestrator"
	"github.com/aristath/harness/internal/process"
	"github.com/aristath/harness/internal/progress"
	"github.com/aristath/harness/internal/state"
	"github.com/aristath/harness/internal/validation"
	"github.com/aristath/harness/internal/vcs"
)

// harnessPaths are owned by the harness: rollback never touches them and they
// never count as task work. They are relative to the state root.
var harnessPaths = []string{
	state.DocumentFile + "*",
	progress.LogFile,
	config.FileName,
	".harness/",
}

// openRepo opens the repository holding root with the harness paths excluded.
// The state root may be a subdirectory of the repository.
func openRepo(root string) (*vcs.Git, error) {
	probe, err := vcs.Open(root)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(probe.Dir(), root)
	if err != nil {
		return nil, fmt.Errorf("failed to locate state root in repository: %w", err)
	}
	excludes := make([]string, len(harnessPaths))
	for i, p := range harnessPaths {
		if rel != "." {
			p = filepath.ToSlash(filepath.Join(rel, p))
			if strings.HasSuffix(harnessPaths[i], "/") {
				p += "/"
			}
		}
		excludes[i] = p
	}
	return vcs.Open(root, excludes...)
}

// app holds the collaborators shared by every command for one state root.
type app struct {
	cfg       *config.Config
	root      string
	logger    *zap.Logger
	store     *state.Store
	progress  *progress.Log
	repo      *vcs.Git
	procs     *process.Manager
	runner    *process.Runner
	validator *validation.Runner
	bus       *events.EventBus
	metrics   *metrics.Metrics
	ledger    history.Ledger
	consumed  chan struct{}
}

// resolveRoot finds the state root from --root, HARNESS_STATE_ROOT or the
// working directory.
func resolveRoot() (string, error) {
	env, err := config.Load("")
	if err != nil {
		return "", err
	}
	explicit := rootFlag
	if explicit == "" {
		explicit = env.StateRoot
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	root, err := state.FindRoot(explicit, cwd)
	if err != nil {
		return "", fmt.Errorf("%w: run harness init first", err)
	}
	return root, nil
}

// openApp wires the collaborators for the discovered state root.
func openApp(ctx context.Context) (*app, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if workerFlag != "" {
		cfg.WorkerID = workerFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	repo, err := openRepo(root)
	if err != nil {
		return nil, fmt.Errorf("state root %s: %w", root, err)
	}

	procs := process.NewManager()
	runner := process.NewRunner(procs)

	a := &app{
		cfg:      cfg,
		root:     root,
		logger:   logger,
		store:    state.NewStore(root, logger),
		progress: progress.New(root),
		repo:     repo,
		procs:    procs,
		runner:   runner,
		validator: validation.NewRunner(runner, validation.Options{
			Dir:            root,
			DefaultTimeout: cfg.ValidationTimeout(),
			Breaker:        validation.BreakerConfig{ConsecutiveFailures: uint32(cfg.ValidationBreakerFailures)},
			Logger:         logger,
		}),
		bus:      events.NewEventBus(),
		metrics:  metrics.New(),
		consumed: make(chan struct{}),
	}

	ch := a.bus.SubscribeAll(1024)
	go func() {
		defer close(a.consumed)
		a.metrics.Consume(ch)
	}()

	// History is best effort: a worker without a ledger still runs.
	ledger, err := history.Open(ctx, filepath.Join(root, cfg.HistoryDB))
	if err != nil {
		logger.Warn("attempt history unavailable", zap.Error(err))
	} else {
		a.ledger = ledger
	}
	return a, nil
}

// coordinator returns a Coordinator for workerID with its own lock Manager.
func (a *app) coordinator(workerID string) (*orchestrator.Coordinator, *lock.Manager) {
	lk := lock.New(a.root, lock.Options{
		Dir:       a.cfg.LockDir,
		Timeout:   a.cfg.LockTimeout(),
		Logger:    a.logger,
		Inherited: a.cfg.LockToken,
		OnReclaim: func(pid int) {
			entry := progress.Entry{Type: progress.TypeLock, Message: fmt.Sprintf("reclaimed stale lock held by pid %d", pid)}
			if err := a.progress.Append(entry); err != nil {
				a.logger.Warn("failed to append progress log", zap.Error(err))
			}
		},
	})
	coord := orchestrator.NewCoordinator(a.store, a.progress, lk, a.repo, a.validator, a.runner, orchestrator.Options{
		WorkerID: workerID,
		Lease:    a.cfg.Lease(),
		WorkDir:  a.root,
		Logger:   a.workerLogger(workerID),
		Events:   a.bus,
		Ledger:   a.ledger,
	})
	// Commands run by an agent log under the session that launched it.
	// Session.Run replaces this with the session it begins.
	if doc, _, err := a.store.Load(); err == nil {
		coord.SetSession(doc.SessionCount, "")
	}
	return coord, lk
}

// workerLogger tags log lines with the worker id in concurrent mode.
func (a *app) workerLogger(workerID string) *zap.Logger {
	if workerID == "" {
		return a.logger
	}
	return a.logger.With(zap.String("worker", workerID))
}

// Close stops every tracked subprocess, flushes metrics and closes the ledger.
func (a *app) Close() {
	if err := a.procs.KillAll(); err != nil {
		a.logger.Warn("failed to kill subprocesses", zap.Error(err))
	}

	a.bus.Close()
	<-a.consumed
	if n := a.bus.Dropped(); n > 0 {
		a.logger.Warn("metrics missed events", zap.Int64("dropped", n))
	}
	if a.cfg.MetricsTextfile != "" {
		path := a.cfg.MetricsTextfile
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.root, path)
		}
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.logger.Warn("failed to export metrics", zap.Error(err))
		}
	}

	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("failed to close history", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
