// Package progress implements the append-only audit trail shared by every
// worker of a state root. One event is one line; lines are never rewritten.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/harness/internal/state"
)

// LogFile is the progress log name inside the state root.
const LogFile = "harness-progress.txt"

// TimeFormat is the timestamp layout of every line.
const TimeFormat = "2006-01-02T15:04:05Z"

// EventType is the kind of a progress log line.
type EventType string

const (
	TypeInit       EventType = "INIT"
	TypeStarting   EventType = "Starting"
	TypeCompleted  EventType = "Completed"
	TypeError      EventType = "ERROR"
	TypeCheckpoint EventType = "CHECKPOINT"
	TypeRollback   EventType = "ROLLBACK"
	TypeRecovery   EventType = "RECOVERY"
	TypeStats      EventType = "STATS"
	TypeLock       EventType = "LOCK"
	TypeWarn       EventType = "WARN"
)

// Entry is a single progress event.
type Entry struct {
	Time     time.Time
	Session  int
	Type     EventType
	TaskID   string
	Category state.Category
	Message  string
}

// String formats the entry as one log line without the trailing newline.
func (e Entry) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(e.Time.UTC().Format(TimeFormat))
	sb.WriteString("] [SESSION-")
	sb.WriteString(strconv.Itoa(e.Session))
	sb.WriteString("] ")
	sb.WriteString(string(e.Type))
	if e.TaskID != "" {
		sb.WriteString(" [")
		sb.WriteString(e.TaskID)
		sb.WriteString("]")
	}
	if e.Category != "" {
		sb.WriteString(" [")
		sb.WriteString(string(e.Category))
		sb.WriteString("]")
	}
	if e.Message != "" {
		sb.WriteString(" ")
		// Keep one event per line.
		sb.WriteString(strings.ReplaceAll(e.Message, "\n", " "))
	}
	return sb.String()
}

var linePattern = regexp.MustCompile(`^\[([^\]]+)\] \[SESSION-(\d+)\] (\S+)(?: \[([^\]]+)\])?(?: \[([A-Z_]+)\])?(?: (.*))?$`)

// ParseLine parses a line written by Entry.String.
func ParseLine(line string) (Entry, error) {
	m := linePattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Entry{}, fmt.Errorf("malformed progress line: %q", line)
	}
	ts, err := time.Parse(TimeFormat, m[1])
	if err != nil {
		return Entry{}, fmt.Errorf("malformed timestamp %q: %w", m[1], err)
	}
	session, _ := strconv.Atoi(m[2])

	e := Entry{
		Time:    ts,
		Session: session,
		Type:    EventType(m[3]),
		TaskID:  m[4],
		Message: m[6],
	}
	// A lone bracketed category token (e.g. "WARN [CONFIG] ...") lands in the
	// task group; move it where it belongs.
	if m[5] != "" {
		e.Category = state.Category(m[5])
	} else if isCategory(m[4]) {
		e.TaskID = ""
		e.Category = state.Category(m[4])
	}
	return e, nil
}

func isCategory(s string) bool {
	switch state.Category(s) {
	case state.CategoryEnvSetup, state.CategoryConfig, state.CategoryTaskExec, state.CategoryTestFail,
		state.CategoryTimeout, state.CategoryDependency, state.CategorySessionTimeout:
		return true
	}
	return false
}

// Log appends entries to the progress file.
type Log struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// New creates a Log in the state root.
func New(root string) *Log {
	return &Log{path: filepath.Join(root, LogFile), now: time.Now}
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes e as a single line. A zero Time is filled with the current time.
func (l *Log) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	line := e.String() + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open progress log: %w", err)
	}
	defer f.Close()

	// One write per line so concurrent appenders never interleave within a line.
	if _, err := io.WriteString(f, line); err != nil {
		return fmt.Errorf("failed to append progress log: %w", err)
	}
	return nil
}

// Tail returns the parsable entries found in the last maxBytes of the log.
// Malformed lines (including a partial first line) are skipped.
func (l *Log) Tail(maxBytes int64) ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open progress log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat progress log: %w", err)
	}
	if offset := info.Size() - maxBytes; maxBytes > 0 && offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek progress log: %w", err)
		}
	}

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		e, err := ParseLine(scanner.Text())
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to scan progress log: %w", err)
	}
	return entries, nil
}

// FinishedInSession counts attempts that reached an outcome in the given
// session: Completed lines plus the first TASK_EXEC, TEST_FAIL or TIMEOUT
// error after each Starting line of a task. Dependency verdicts, expired
// leases and environment errors are not outcomes of work done.
func FinishedInSession(entries []Entry, session int) int {
	finished := 0
	counted := make(map[string]bool)
	for _, e := range entries {
		if e.Session != session || e.TaskID == "" {
			continue
		}
		switch e.Type {
		case TypeStarting:
			delete(counted, e.TaskID)
		case TypeCompleted:
			finished++
			counted[e.TaskID] = true
		case TypeError:
			switch e.Category {
			case state.CategoryTaskExec, state.CategoryTestFail, state.CategoryTimeout:
				if !counted[e.TaskID] {
					finished++
					counted[e.TaskID] = true
				}
			}
		}
	}
	return finished
}

// LastStats returns the most recent STATS entry, or the last entry if there is none.
func LastStats(entries []Entry) (Entry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == TypeStats {
			return entries[i], true
		}
	}
	if len(entries) > 0 {
		return entries[len(entries)-1], true
	}
	return Entry{}, false
}
