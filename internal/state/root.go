package state

import (
	"errors"
	"os"
	"path/filepath"
)

// maxParentWalk bounds how far FindRoot climbs from the starting directory.
const maxParentWalk = 8

// ErrRootNotFound is returned when no directory holding the state document is found.
var ErrRootNotFound = errors.New("state root not found")

// FindRoot locates the state root. An explicit root wins if it holds the
// document; otherwise each start directory and up to eight of its parents
// are searched in order.
func FindRoot(explicit string, starts ...string) (string, error) {
	if explicit != "" {
		if hasDocument(explicit) {
			return absClean(explicit), nil
		}
	}

	seen := make(map[string]bool)
	for _, start := range starts {
		if start == "" {
			continue
		}
		dir := absClean(start)
		if seen[dir] {
			continue
		}
		seen[dir] = true

		for i := 0; i <= maxParentWalk; i++ {
			if hasDocument(dir) {
				return dir, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return "", ErrRootNotFound
}

func hasDocument(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, DocumentFile))
	return err == nil && info.Mode().IsRegular()
}

func absClean(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
