package scheduler

import (
	"fmt"
	"time"

	"github.com/aristath/crew/internal/guardrail"
)

// TaskState represents the current state of a task.
type TaskState int

const (
	TaskPending        TaskState = iota // Waiting for dependencies
	TaskReady                           // All dependencies completed
	TaskInProgress                      // An agent is working on it
	TaskAwaitingReview                  // Output produced, not yet validated
	TaskRevising                        // Rejected, waiting for another attempt
	TaskCompleted                       // Output accepted
	TaskFailed                          // Gave up
	TaskBlocked                         // An upstream task failed
)

var stateNames = [...]string{
	TaskPending:        "pending",
	TaskReady:          "ready",
	TaskInProgress:     "in_progress",
	TaskAwaitingReview: "awaiting_review",
	TaskRevising:       "revising",
	TaskCompleted:      "completed",
	TaskFailed:         "failed",
	TaskBlocked:        "blocked",
}

func (s TaskState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBlocked
}

// ParseTaskState is the inverse of String.
func ParseTaskState(name string) (TaskState, error) {
	for i, n := range stateNames {
		if n == name {
			return TaskState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", name)
}

var transitions = map[TaskState][]TaskState{
	TaskPending:        {TaskReady, TaskBlocked},
	TaskReady:          {TaskInProgress, TaskBlocked},
	TaskInProgress:     {TaskAwaitingReview, TaskRevising, TaskFailed},
	TaskAwaitingReview: {TaskCompleted, TaskRevising, TaskFailed},
	TaskRevising:       {TaskInProgress, TaskFailed},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task represents a unit of work in the DAG.
type Task struct {
	ID             string
	Description    string
	ExpectedOutput string
	DependsOn      []string // declaration order is significant for context assembly
	AgentHint      string   // role of the preferred agent, if any
	Capabilities   []string // capability tags the work needs
	Guardrails     []guardrail.Validator
	MaxRetries     int
	Async          bool
	Timeout        time.Duration

	State   TaskState
	Retries int
	Agent   string // role of the agent that currently owns the task
	Output  string // canonical output, set once on completion
	Err     error
}

// Attempts is the number of attempts made or in flight.
func (t *Task) Attempts() int {
	switch t.State {
	case TaskPending, TaskReady, TaskBlocked:
		return t.Retries
	}
	return t.Retries + 1
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Capabilities != nil {
		cp.Capabilities = append([]string(nil), task.Capabilities...)
	}
	if task.Guardrails != nil {
		cp.Guardrails = append([]guardrail.Validator(nil), task.Guardrails...)
	}
	return &cp
}
