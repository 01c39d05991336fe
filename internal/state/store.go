package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// File names inside the state root.
const (
	DocumentFile  = "harness-tasks.json"
	BackupSuffix  = ".bak"
	StagingSuffix = ".tmp"
)

// ErrStateCorrupt is returned when neither the primary document nor its backup parses.
// Task semantics cannot be rebuilt from the progress log, so this is fatal.
var ErrStateCorrupt = errors.New("state document and backup are both unreadable")

// Source identifies which copy of the document a load came from.
type Source int

const (
	SourcePrimary Source = iota
	SourceBackup
)

// Store reads and writes the state document with backup-protected atomic saves.
type Store struct {
	root   string
	logger *zap.Logger

	// beforeRename runs after the staged file is written and before it is
	// renamed into place. Tests use it to simulate a crash at that point.
	beforeRename func() error
}

// NewStore creates a Store for the state root directory.
func NewStore(root string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger}
}

// Root returns the state root directory.
func (s *Store) Root() string { return s.root }

// Path returns the primary document path.
func (s *Store) Path() string { return filepath.Join(s.root, DocumentFile) }

func (s *Store) backupPath() string  { return s.Path() + BackupSuffix }
func (s *Store) stagingPath() string { return s.Path() + StagingSuffix }

// Exists reports whether a primary document is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Load parses the primary document, falling back to the backup copy.
// Returns ErrStateCorrupt if both are invalid.
func (s *Store) Load() (*Document, Source, error) {
	doc, primaryErr := readDocument(s.Path())
	if primaryErr == nil {
		return doc, SourcePrimary, nil
	}

	s.logger.Warn("primary state document unreadable, trying backup",
		zap.String("path", s.Path()), zap.Error(primaryErr))

	doc, backupErr := readDocument(s.backupPath())
	if backupErr == nil {
		return doc, SourceBackup, nil
	}

	return nil, SourcePrimary, fmt.Errorf("%w: primary: %v; backup: %v", ErrStateCorrupt, primaryErr, backupErr)
}

// Save writes doc atomically: backup the current file, stage the new content,
// then rename it into place. A crash at any step leaves a parsable document.
func (s *Store) Save(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid document: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create state root: %w", err)
	}

	// Only a parsable primary becomes the new backup; a corrupt one must not
	// overwrite the last-known-good copy.
	if _, err := os.Stat(s.Path()); err == nil {
		if _, readErr := readDocument(s.Path()); readErr == nil {
			if err := copyFile(s.Path(), s.backupPath()); err != nil {
				return fmt.Errorf("failed to back up state: %w", err)
			}
		} else {
			s.logger.Warn("not backing up unreadable primary", zap.Error(readErr))
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat state: %w", err)
	}

	if err := writeSynced(s.stagingPath(), data); err != nil {
		return fmt.Errorf("failed to stage state: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(); err != nil {
			return err
		}
	}

	if err := os.Rename(s.stagingPath(), s.Path()); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}
	syncDir(s.root)
	return nil
}

// Init writes doc only if no document exists yet.
func (s *Store) Init(doc *Document) error {
	if s.Exists() {
		return fmt.Errorf("state document already exists at %s", s.Path())
	}
	return s.Save(doc)
}

func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
	}

	if doc.Tasks == nil {
		doc.Tasks = []*Task{}
	}
	for _, t := range doc.Tasks {
		if t.Status == "" {
			t.Status = StatusPending
		}
	}
	if doc.SessionConfig.ConcurrencyMode == "" {
		doc.SessionConfig.ConcurrencyMode = ModeExclusive
	}
	return &doc, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
