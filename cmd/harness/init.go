package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/harness/internal/config"
	"github.com/aristath/harness/internal/state"
	"github.com/aristath/harness/internal/vcs"
)

var (
	// init command flags
	initConcurrent         bool
	initMaxTasksPerSession int
	initMaxSessions        int
	initAgent              string
	initAgentCommand       string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initConcurrent, "concurrent", false, "let several workers share the task list with per-task leases")
	initCmd.Flags().IntVar(&initMaxTasksPerSession, "max-tasks-per-session", 0, "stop a session after this many tasks (0 = unlimited)")
	initCmd.Flags().IntVar(&initMaxSessions, "max-sessions", 0, "refuse to start more sessions than this (0 = unlimited)")
	initCmd.Flags().StringVar(&initAgent, "agent", "command", "agent type: command, claude, codex or goose")
	initCmd.Flags().StringVar(&initAgentCommand, "agent-command", "", "shell command for --agent command")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty task list in the state root",
	Long: `Create harness-tasks.json in the state root (--root or the working
directory) and write harness-config.yaml unless one already exists. The state
root must be inside a git repository.

Examples:
  # Exclusive mode, one session at a time
  harness init --agent claude

  # Several workers, at most ten tasks each per session
  harness init --concurrent --max-tasks-per-session 10`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := rootFlag
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = cwd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	if _, err := vcs.Open(dir); err != nil {
		return fmt.Errorf("%s: %w", dir, err)
	}

	store := state.NewStore(dir, nil)
	if store.Exists() {
		return fmt.Errorf("%s already exists", store.Path())
	}

	cfg := state.SessionConfig{
		ConcurrencyMode:    state.ModeExclusive,
		MaxTasksPerSession: initMaxTasksPerSession,
		MaxSessions:        initMaxSessions,
	}
	if initConcurrent {
		cfg.ConcurrencyMode = state.ModeConcurrent
	}
	if err := store.Init(state.NewDocument(cfg, time.Now())); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s mode)\n", store.Path(), cfg.ConcurrencyMode)

	cfgPath := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", cfgPath, err)
	}

	hc := config.DefaultConfig()
	hc.AgentType = initAgent
	hc.AgentCommand = initAgentCommand
	if err := hc.Validate(); err != nil {
		return err
	}
	if err := config.Save(hc, dir); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
	return nil
}
