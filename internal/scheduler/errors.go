package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTaskNotFound is returned for an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a state change is not allowed.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrRetryBudgetExhausted is returned by Revise when a task has used
	// all of its retries.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// DependencyCycleError reports tasks that depend on themselves, directly or
// transitively. Detected before anything runs.
type DependencyCycleError struct {
	Tasks []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle between tasks: %s", strings.Join(e.Tasks, ", "))
}
