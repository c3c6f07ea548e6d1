package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a task id is unknown.
var ErrNotFound = errors.New("task not found")

// InvalidTransitionError is returned for any API call attempting a transition
// that is not legal from the task's current state. The task is left unchanged.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q → %q", e.From, e.To)
}

// PlanningError indicates the planner could not produce a valid acyclic step
// graph within its budget. Not retryable without new parameters.
type PlanningError struct {
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("planning failed: %s", e.Reason)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// ExecutionError carries a single step's failure detail.
type ExecutionError struct {
	StepID string
	Detail string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.StepID, e.Detail)
}
