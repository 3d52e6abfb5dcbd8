package manager

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GuardrailExhaustedError is returned when a task used its whole retry
// budget without an accepted output. Reasons holds the failure reasons of
// every attempt, oldest first.
type GuardrailExhaustedError struct {
	TaskID   string
	Attempts int
	Reasons  [][]string
}

func (e *GuardrailExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %s", e.TaskID, e.Attempts, strings.Join(e.Last(), "; "))
}

// Last returns the reasons the final attempt was rejected.
func (e *GuardrailExhaustedError) Last() []string {
	if len(e.Reasons) == 0 {
		return nil
	}
	return e.Reasons[len(e.Reasons)-1]
}

// AgentExecutionTimeout is an agent call that ran past its time limit.
type AgentExecutionTimeout struct {
	TaskID  string
	Agent   string
	Timeout time.Duration
}

func (e *AgentExecutionTimeout) Error() string {
	return fmt.Sprintf("agent %s timed out after %s on task %s", e.Agent, e.Timeout, e.TaskID)
}

func (e *AgentExecutionTimeout) Unwrap() error { return context.DeadlineExceeded }

// ManagerDecisionError reports an assignment the scores could not settle.
// It is informational: the manager falls back and carries on.
type ManagerDecisionError struct {
	TaskID     string
	Candidates []string // roles sharing the best score
	Chosen     string
	Reason     string
}

func (e *ManagerDecisionError) Error() string {
	return fmt.Sprintf("ambiguous assignment for task %s (%s): chose %s from %s",
		e.TaskID, e.Reason, e.Chosen, strings.Join(e.Candidates, ", "))
}
