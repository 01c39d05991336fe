package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the persisted state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be claimed
	StatusInProgress TaskStatus = "in_progress" // Claimed by a live worker
	StatusCompleted  TaskStatus = "completed"   // Validated and immutable
	StatusFailed     TaskStatus = "failed"      // Last attempt failed; may be retryable
)

// Category classifies an error log entry and a progress log line.
type Category string

const (
	CategoryEnvSetup       Category = "ENV_SETUP"
	CategoryConfig         Category = "CONFIG"
	CategoryTaskExec       Category = "TASK_EXEC"
	CategoryTestFail       Category = "TEST_FAIL"
	CategoryTimeout        Category = "TIMEOUT"
	CategoryDependency     Category = "DEPENDENCY"
	CategorySessionTimeout Category = "SESSION_TIMEOUT"
)

// Concurrency modes for SessionConfig.ConcurrencyMode.
const (
	ModeExclusive  = "exclusive"
	ModeConcurrent = "concurrent"
)

// DefaultMaxAttempts applies when a task does not set max_attempts.
const DefaultMaxAttempts = 3

// DocumentVersion is written into every new state document.
const DocumentVersion = 2

// Validation describes the objective check that decides task success.
type Validation struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ErrorEntry is one categorized message in a task's error log.
type ErrorEntry struct {
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// String renders the entry the way it appears in the progress log.
func (e ErrorEntry) String() string {
	if e.Category == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

// UnmarshalJSON accepts an entry object or a plain "[CATEGORY] message"
// string as written by older hooks.
func (e *ErrorEntry) UnmarshalJSON(data []byte) error {
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		*e = parseErrorLine(line)
		return nil
	}
	type entry ErrorEntry
	var obj entry
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ErrorEntry(obj)
	return nil
}

func parseErrorLine(line string) ErrorEntry {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "[") {
		if end := strings.IndexByte(line, ']'); end > 1 {
			return ErrorEntry{
				Category: Category(line[1:end]),
				Message:  strings.TrimSpace(line[end+1:]),
			}
		}
	}
	return ErrorEntry{Message: line}
}

// Checkpoint is a progress marker recorded within one attempt.
// Revision and Changed fingerprint the working tree when the checkpoint was
// taken; recovery resumes only when the tree still looks the same.
type Checkpoint struct {
	Step        int       `json:"step"`
	Total       int       `json:"total"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Revision    string    `json:"revision,omitempty"`
	Changed     []string  `json:"changed,omitempty"`
}

// Task is a unit of work in the state document.
type Task struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Status          TaskStatus   `json:"status"`
	Priority        string       `json:"priority,omitempty"`
	DependsOn       []string     `json:"depends_on,omitempty"`
	Attempts        int          `json:"attempts"`
	MaxAttempts     *int         `json:"max_attempts,omitempty"`
	StartedAtCommit string       `json:"started_at_commit,omitempty"`
	Validation      *Validation  `json:"validation,omitempty"`
	OnFailure       string       `json:"on_failure,omitempty"`
	ErrorLog        []ErrorEntry `json:"error_log,omitempty"`
	Checkpoints     []Checkpoint `json:"checkpoints,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	ClaimedBy       string       `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time   `json:"claimed_at,omitempty"`
	LeaseExpiresAt  *time.Time   `json:"lease_expires_at,omitempty"`
}

// NewTask returns a pending task with zero attempts.
func NewTask(id, title, priority string, dependsOn ...string) *Task {
	return &Task{
		ID:        id,
		Title:     title,
		Status:    StatusPending,
		Priority:  priority,
		DependsOn: dependsOn,
	}
}

// SetMaxAttempts sets max_attempts explicitly. Zero is kept as written and
// means no retries.
func (t *Task) SetMaxAttempts(n int) {
	t.MaxAttempts = &n
}

// EffectiveMaxAttempts returns the total number of attempts a task may use:
// the default when max_attempts is unset, and at least one otherwise.
func (t *Task) EffectiveMaxAttempts() int {
	if t.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	if *t.MaxAttempts < 1 {
		return 1
	}
	return *t.MaxAttempts
}

// PriorityRank maps P0/P1/P2 to 0/1/2. Anything else ranks last.
func (t *Task) PriorityRank() int {
	switch t.Priority {
	case "P0":
		return 0
	case "P1":
		return 1
	case "P2":
		return 2
	}
	return 9
}

// HasDependencyError reports whether the error log carries a DEPENDENCY entry.
func (t *Task) HasDependencyError() bool {
	for _, e := range t.ErrorLog {
		if e.Category == CategoryDependency {
			return true
		}
	}
	return false
}

// PermanentlyFailed reports whether a failed task can never run again.
func (t *Task) PermanentlyFailed() bool {
	if t.Status != StatusFailed {
		return false
	}
	return t.Attempts >= t.EffectiveMaxAttempts() || t.HasDependencyError()
}

// Retryable reports whether a failed task still has attempts left.
func (t *Task) Retryable() bool {
	return t.Status == StatusFailed && !t.PermanentlyFailed()
}

// LastFailure returns the timestamp of the most recent error entry.
func (t *Task) LastFailure() time.Time {
	if len(t.ErrorLog) == 0 {
		return time.Time{}
	}
	return t.ErrorLog[len(t.ErrorLog)-1].Timestamp
}

// LastCheckpoint returns the most recent checkpoint, if any.
func (t *Task) LastCheckpoint() (Checkpoint, bool) {
	if len(t.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return t.Checkpoints[len(t.Checkpoints)-1], true
}

// LeaseLive reports whether the claim on an in_progress task is still valid at now.
// A task with no lease (exclusive mode) is treated as live.
func (t *Task) LeaseLive(now time.Time) bool {
	if t.Status != StatusInProgress {
		return false
	}
	if t.LeaseExpiresAt == nil {
		return true
	}
	return t.LeaseExpiresAt.After(now)
}

// RecordError appends a categorized error entry.
func (t *Task) RecordError(cat Category, msg string, now time.Time) {
	t.ErrorLog = append(t.ErrorLog, ErrorEntry{Category: cat, Message: msg, Timestamp: now.UTC()})
}

// ClearClaim removes concurrent-mode claim metadata.
func (t *Task) ClearClaim() {
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.LeaseExpiresAt = nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.ErrorLog != nil {
		cp.ErrorLog = append([]ErrorEntry(nil), t.ErrorLog...)
	}
	if t.Checkpoints != nil {
		cp.Checkpoints = make([]Checkpoint, len(t.Checkpoints))
		for i, c := range t.Checkpoints {
			c.Changed = append([]string(nil), c.Changed...)
			cp.Checkpoints[i] = c
		}
	}
	if t.Validation != nil {
		v := *t.Validation
		cp.Validation = &v
	}
	if t.MaxAttempts != nil {
		n := *t.MaxAttempts
		cp.MaxAttempts = &n
	}
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.ClaimedAt = cloneTime(t.ClaimedAt)
	cp.LeaseExpiresAt = cloneTime(t.LeaseExpiresAt)
	return &cp
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}

// SessionConfig controls session-level behavior.
type SessionConfig struct {
	ConcurrencyMode    string `json:"concurrency_mode,omitempty"`
	MaxTasksPerSession int    `json:"max_tasks_per_session,omitempty"`
	MaxSessions        int    `json:"max_sessions,omitempty"`
}

// Concurrent reports whether workers coordinate through per-transaction locks and leases.
func (c SessionConfig) Concurrent() bool {
	return c.ConcurrencyMode == ModeConcurrent
}

// Document is the durable state container.
type Document struct {
	Version       int           `json:"version"`
	Tasks         []*Task       `json:"tasks"`
	SessionConfig SessionConfig `json:"session_config"`
	SessionCount  int           `json:"session_count"`
	Created       time.Time     `json:"created"`
	LastSession   *time.Time    `json:"last_session,omitempty"`
}

// NewDocument creates an empty document.
func NewDocument(cfg SessionConfig, now time.Time) *Document {
	if cfg.ConcurrencyMode == "" {
		cfg.ConcurrencyMode = ModeExclusive
	}
	return &Document{
		Version:       DocumentVersion,
		Tasks:         []*Task{},
		SessionConfig: cfg,
		Created:       now.UTC(),
	}
}

// Task returns the task with the given id.
func (d *Document) Task(id string) (*Task, bool) {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Index returns tasks keyed by id.
func (d *Document) Index() map[string]*Task {
	idx := make(map[string]*Task, len(d.Tasks))
	for _, t := range d.Tasks {
		idx[t.ID] = t
	}
	return idx
}

// AddTask adds a new pending task. Returns error if the id already exists.
func (d *Document) AddTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id must not be empty")
	}
	if _, exists := d.Task(task.ID); exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	d.Tasks = append(d.Tasks, task)
	return nil
}

// Mutate applies fn to the task with the given id.
// Completed tasks are immutable and are refused.
func (d *Document) Mutate(id string, fn func(*Task)) error {
	task, ok := d.Task(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if task.Status == StatusCompleted {
		return fmt.Errorf("task %q is completed and cannot be modified", id)
	}
	fn(task)
	return nil
}

// Counts returns the number of tasks per status.
func (d *Document) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range d.Tasks {
		s := t.Status
		if s == "" {
			s = StatusPending
		}
		counts[s]++
	}
	return counts
}

// Validate checks structural invariants that must hold for every loaded document.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Tasks))
	for i, t := range d.Tasks {
		if t == nil {
			return fmt.Errorf("task at index %d is null", i)
		}
		if t.ID == "" {
			return fmt.Errorf("task at index %d has no id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		switch t.Status {
		case "", StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		default:
			return fmt.Errorf("task %q has unknown status %q", t.ID, t.Status)
		}
	}
	return nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Tasks = make([]*Task, len(d.Tasks))
	for i, t := range d.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	cp.LastSession = cloneTime(d.LastSession)
	return &cp
}
