// Package vcs is the version-control collaborator: the sole durable record of
// what changed since a task started.
//
// Reads (head, revision existence, history) go through go-git. Mutations
// (reset, clean, commit) shell out to the git CLI so hooks, attributes and
// the user's configuration apply exactly as they would interactively.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// ErrNotRepository is returned when the state root is not inside a git repository.
var ErrNotRepository = errors.New("not a git repository")

// Commit is one commit made after a task's baseline.
type Commit struct {
	Hash    string
	Message string
}

// Repository is what the coordinator and recovery engine need from version control.
type Repository interface {
	// Head returns the current commit hash.
	Head(ctx context.Context) (string, error)
	// Exists reports whether rev is still reachable in the object store.
	Exists(ctx context.Context, rev string) (bool, error)
	// ResetHard discards all commits after rev and every uncommitted change,
	// including untracked files. Excluded paths survive.
	ResetHard(ctx context.Context, rev string) error
	// Commit stages everything and commits it. It returns the new head.
	Commit(ctx context.Context, message string) (string, error)
	// HasUncommitted reports uncommitted changes outside the excluded paths.
	HasUncommitted(ctx context.Context) (bool, error)
	// ChangedFiles lists uncommitted paths outside the excluded paths, sorted.
	ChangedFiles(ctx context.Context) ([]string, error)
	// CommitsSince returns commits after rev reachable from head whose message
	// mentions taskID, newest first. An empty taskID matches every commit.
	CommitsSince(ctx context.Context, rev, taskID string) ([]Commit, error)
}

// Git implements Repository for a working tree on disk.
type Git struct {
	dir      string
	excludes []string
}

// Open opens the repository containing dir. Paths in excludes (relative to
// the repository root, gitignore pattern syntax) are never cleaned and never
// count as uncommitted changes.
func Open(dir string, excludes ...string) (*Git, error) {
	if _, err := openRepo(dir); err != nil {
		return nil, err
	}
	out, err := runGit(context.Background(), dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("failed to find repository root: %w", err)
	}
	return &Git{dir: strings.TrimSpace(out), excludes: excludes}, nil
}

// Dir returns the repository root.
func (g *Git) Dir() string { return g.dir }

func openRepo(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNotRepository)
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return repo, nil
}

func (g *Git) Head(ctx context.Context) (string, error) {
	repo, err := openRepo(g.dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	return head.Hash().String(), nil
}

func (g *Git) Exists(ctx context.Context, rev string) (bool, error) {
	if rev == "" {
		return false, nil
	}
	repo, err := openRepo(g.dir)
	if err != nil {
		return false, err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	if _, err := repo.CommitObject(*hash); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read commit %s: %w", rev, err)
	}
	return true, nil
}

func (g *Git) ResetHard(ctx context.Context, rev string) error {
	if _, err := runGit(ctx, g.dir, "reset", "--hard", rev); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", rev, err)
	}
	args := []string{"clean", "-fd"}
	for _, ex := range g.excludes {
		args = append(args, "-e", ex)
	}
	if _, err := runGit(ctx, g.dir, args...); err != nil {
		return fmt.Errorf("failed to clean working tree: %w", err)
	}
	return nil
}

func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	args := []string{"add", "-A", "--", "."}
	for _, ex := range g.excludes {
		args = append(args, ":(exclude)"+strings.TrimSuffix(ex, "/"))
	}
	if _, err := runGit(ctx, g.dir, args...); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := runGit(ctx, g.dir, "commit", "--allow-empty", "-m", message); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return g.Head(ctx)
}

func (g *Git) HasUncommitted(ctx context.Context) (bool, error) {
	files, err := g.ChangedFiles(ctx)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

func (g *Git) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := runGit(ctx, g.dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	files := parsePorcelain(out)
	kept := files[:0]
	for _, f := range files {
		if !g.excluded(f) {
			kept = append(kept, f)
		}
	}
	sort.Strings(kept)
	return kept, nil
}

func (g *Git) CommitsSince(ctx context.Context, rev, taskID string) ([]Commit, error) {
	repo, err := openRepo(g.dir)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	base := plumbing.NewHash(rev)
	if head.Hash() == base {
		return nil, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == base {
			return storer.ErrStop
		}
		if taskID == "" || MentionsTask(c.Message, taskID) {
			commits = append(commits, Commit{Hash: c.Hash.String(), Message: strings.TrimSpace(c.Message)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk log: %w", err)
	}
	return commits, nil
}

// MentionsTask reports whether message names taskID as a whole token, so
// "task-1" does not match "task-10: ...".
func MentionsTask(message, taskID string) bool {
	if taskID == "" {
		return false
	}
	re := regexp.MustCompile(`(^|[^\w-])` + regexp.QuoteMeta(taskID) + `($|[^\w-])`)
	return re.MatchString(message)
}

// excluded matches a repository-relative path against the exclude list.
// A trailing slash excludes a directory tree; a trailing * is a prefix match.
func (g *Git) excluded(path string) bool {
	for _, ex := range g.excludes {
		switch {
		case strings.HasSuffix(ex, "/"):
			if strings.HasPrefix(path, ex) || path+"/" == ex {
				return true
			}
		case strings.HasSuffix(ex, "*"):
			if strings.HasPrefix(path, strings.TrimSuffix(ex, "*")) {
				return true
			}
		default:
			if path == ex {
				return true
			}
		}
	}
	return false
}

// parsePorcelain extracts paths from `git status --porcelain` output.
// Renames report the destination path.
func parsePorcelain(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
