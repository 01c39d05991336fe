package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicSession = "session"
)

// Event type constants
const (
	EventTypeTaskClaimed      = "task.claimed"
	EventTypeTaskCheckpoint   = "task.checkpoint"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeTaskRolledBack   = "task.rolled_back"
	EventTypeTaskRecovered    = "task.recovered"
	EventTypeTaskResolved     = "task.resolved"
	EventTypeSessionStarted   = "session.started"
	EventTypeSessionEnded     = "session.ended"
	EventTypeValidationFinish = "validation.finished"
)

// TaskClaimedEvent is published when a worker claims a task.
type TaskClaimedEvent struct {
	ID        string
	Title     string
	Worker    string
	Attempt   int // 1-based attempt number being started
	Baseline  string
	Timestamp time.Time
}

func (e TaskClaimedEvent) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimedEvent) TaskID() string    { return e.ID }

// TaskCheckpointEvent is published when a worker reports progress.
type TaskCheckpointEvent struct {
	ID        string
	Step      int
	Total     int
	Timestamp time.Time
}

func (e TaskCheckpointEvent) EventType() string { return EventTypeTaskCheckpoint }
func (e TaskCheckpointEvent) TaskID() string    { return e.ID }

// ValidationFinishedEvent is published after every validation run.
type ValidationFinishedEvent struct {
	ID        string
	Outcome   string // PASS, FAIL or TIMEOUT
	Duration  time.Duration
	Timestamp time.Time
}

func (e ValidationFinishedEvent) EventType() string { return EventTypeValidationFinish }
func (e ValidationFinishedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an attempt fails.
type TaskFailedEvent struct {
	ID        string
	Category  string
	Message   string
	Attempts  int
	Permanent bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskRolledBackEvent is published after the working tree is reset to a baseline.
type TaskRolledBackEvent struct {
	ID        string
	Baseline  string
	CleanupOK bool
	Timestamp time.Time
}

func (e TaskRolledBackEvent) EventType() string { return EventTypeTaskRolledBack }
func (e TaskRolledBackEvent) TaskID() string    { return e.ID }

// TaskRecoveredEvent is published when a crashed attempt is reconciled.
type TaskRecoveredEvent struct {
	ID        string
	Action    string
	Timestamp time.Time
}

func (e TaskRecoveredEvent) EventType() string { return EventTypeTaskRecovered }
func (e TaskRecoveredEvent) TaskID() string    { return e.ID }

// TaskResolvedEvent is published when dependency resolution fails a task.
type TaskResolvedEvent struct {
	ID        string
	Kind      string // cycle, missing or blocked
	Timestamp time.Time
}

func (e TaskResolvedEvent) EventType() string { return EventTypeTaskResolved }
func (e TaskResolvedEvent) TaskID() string    { return e.ID }

// SessionStartedEvent is published when a session loop begins.
type SessionStartedEvent struct {
	Session   int
	Worker    string
	Timestamp time.Time
}

func (e SessionStartedEvent) EventType() string { return EventTypeSessionStarted }
func (e SessionStartedEvent) TaskID() string    { return "" }

// SessionEndedEvent is published when a session loop stops.
type SessionEndedEvent struct {
	Session   int
	Finished  int
	Reason    string
	Counts    map[string]int // status -> count
	Timestamp time.Time
}

func (e SessionEndedEvent) EventType() string { return EventTypeSessionEnded }
func (e SessionEndedEvent) TaskID() string    { return "" }
