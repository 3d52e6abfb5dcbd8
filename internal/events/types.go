package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Event type constants
const (
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskRetrying    = "task.retrying"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTaskBlocked     = "task.blocked"
	EventTypeManagerDecision = "manager.decision"
	EventTypeRunProgress     = "run.progress"
	EventTypeIngestCompleted = "knowledge.ingested"
	EventTypeQueryCompleted  = "knowledge.queried"
)

// TaskStartedEvent is emitted when an agent begins an attempt at a task.
type TaskStartedEvent struct {
	RunID     string    `json:"run_id"`
	ID        string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is emitted when review rejects an attempt and the task
// goes back for revision.
type TaskRetryingEvent struct {
	RunID      string    `json:"run_id"`
	ID         string    `json:"task_id"`
	Agent      string    `json:"agent"`
	Attempt    int       `json:"attempt"`
	Feedback   []string  `json:"feedback"`
	Reassigned bool      `json:"reassigned"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is emitted when a task's output is accepted.
type TaskCompletedEvent struct {
	RunID     string        `json:"run_id"`
	ID        string        `json:"task_id"`
	Agent     string        `json:"agent"`
	Output    string        `json:"output"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is emitted when a task fails permanently.
type TaskFailedEvent struct {
	RunID     string        `json:"run_id"`
	ID        string        `json:"task_id"`
	Error     string        `json:"error"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is emitted when a task can no longer run because an
// upstream task failed.
type TaskBlockedEvent struct {
	RunID     string    `json:"run_id"`
	ID        string    `json:"task_id"`
	BlockedBy string    `json:"blocked_by"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// ManagerDecisionEvent records which agent the manager picked for a task.
type ManagerDecisionEvent struct {
	RunID       string    `json:"run_id"`
	ID          string    `json:"task_id"`
	Agent       string    `json:"agent"`
	Consultants []string  `json:"consultants,omitempty"`
	Fallback    bool      `json:"fallback"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e ManagerDecisionEvent) EventType() string { return EventTypeManagerDecision }
func (e ManagerDecisionEvent) TaskID() string    { return e.ID }

// RunProgressEvent summarizes task states after every transition.
type RunProgressEvent struct {
	RunID     string    `json:"run_id"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Running   int       `json:"running"`
	Failed    int       `json:"failed"`
	Blocked   int       `json:"blocked"`
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }

// IngestCompletedEvent is emitted after documents are added to a namespace.
type IngestCompletedEvent struct {
	Namespace string    `json:"namespace"`
	Documents int       `json:"documents"`
	Chunks    int       `json:"chunks"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

func (e IngestCompletedEvent) EventType() string { return EventTypeIngestCompleted }
func (e IngestCompletedEvent) TaskID() string    { return "" }

// QueryCompletedEvent is emitted after a retrieval query.
type QueryCompletedEvent struct {
	Namespaces []string      `json:"namespaces"`
	Query      string        `json:"query"`
	Results    int           `json:"results"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e QueryCompletedEvent) EventType() string { return EventTypeQueryCompleted }
func (e QueryCompletedEvent) TaskID() string    { return "" }
