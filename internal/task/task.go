package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusCreated          Status = "created"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusEscalated        Status = "escalated"
	StatusApproved         Status = "approved"
	StatusExecuting        Status = "executing"
	StatusPaused           Status = "paused"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Type categorizes administrative work.
type Type string

const (
	TypeServerConfigure   Type = "server_configure"
	TypeSystemDiagnose    Type = "system_diagnose"
	TypeSystemMaintenance Type = "system_maintenance"
	TypeServerProvision   Type = "server_provision"
)

// Priority is the operator-assigned urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Autonomy controls which transitions require human approval.
type Autonomy string

const (
	AutonomyGuided         Autonomy = "guided"
	AutonomySupervised     Autonomy = "supervised"
	AutonomySemiAutonomous Autonomy = "semi_autonomous"
	AutonomyFullAutonomous Autonomy = "fully_autonomous"
)

// Risk grades the blast radius of a single step.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// AtLeast reports whether r is at or above the given level.
func (r Risk) AtLeast(level Risk) bool {
	return rank(r) >= rank(level)
}

func rank(r Risk) int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	}
	return 0
}

// FailurePolicy decides the task-level effect of a failed step.
type FailurePolicy string

const (
	FailAbort          FailurePolicy = "abort"
	FailSkipDependents FailurePolicy = "skip_dependents"
)

// StepStatus tracks step execution state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ActionKind enumerates the closed set of step capabilities.
type ActionKind string

const (
	ActionShellCommand        ActionKind = "shell_command"
	ActionRemoteAPICall       ActionKind = "remote_api_call"
	ActionConfigTemplateApply ActionKind = "config_template_apply"
)

// Action is what a step actually does when dispatched.
type Action struct {
	Kind     ActionKind        `json:"kind"`
	Command  string            `json:"command,omitempty"`  // shell_command
	Method   string            `json:"method,omitempty"`   // remote_api_call
	URL      string            `json:"url,omitempty"`      // remote_api_call
	Body     string            `json:"body,omitempty"`     // remote_api_call
	Headers  map[string]string `json:"headers,omitempty"`  // remote_api_call
	Template string            `json:"template,omitempty"` // config_template_apply
	Target   string            `json:"target,omitempty"`   // config_template_apply
	Values   map[string]string `json:"values,omitempty"`   // config_template_apply render data
}

// Step is one planned, dependency-ordered unit of work within a task.
type Step struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Action      Action        `json:"action"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Risk        Risk          `json:"risk"`
	OnFailure   FailurePolicy `json:"on_failure"`
	Status      StepStatus    `json:"status"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// HistoryEntry records one applied transition. The history log is append-only.
type HistoryEntry struct {
	At    time.Time `json:"at"`
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
}

// Task is one operator-submitted unit of administrative work tracked end-to-end.
type Task struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Priority    Priority          `json:"priority"`
	Autonomy    Autonomy          `json:"autonomy_level"`
	Status      Status            `json:"status"`
	Steps       []*Step           `json:"steps,omitempty"`
	History     []HistoryEntry    `json:"history"`
	Reason      string            `json:"reason,omitempty"` // terminal failure/cancel reason
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// validTransitions defines allowed state transitions.
var validTransitions = map[Status][]Status{
	StatusCreated:          {StatusPlanning, StatusCancelled},
	StatusPlanning:         {StatusAwaitingApproval, StatusApproved, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusApproved, StatusCancelled, StatusEscalated},
	StatusEscalated:        {StatusApproved, StatusCancelled},
	StatusApproved:         {StatusExecuting, StatusCancelled},
	StatusExecuting:        {StatusPaused, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusPaused:           {StatusExecuting, StatusCancelled},
}

// CanTransition reports whether from→to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from→to and returns an *InvalidTransitionError if illegal.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Clone returns a deep copy of the task, safe to hand to callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Parameters != nil {
		c.Parameters = make(map[string]string, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	if t.Steps != nil {
		c.Steps = make([]*Step, len(t.Steps))
		for i, s := range t.Steps {
			sc := *s
			if s.DependsOn != nil {
				sc.DependsOn = append([]string(nil), s.DependsOn...)
			}
			if s.Action.Headers != nil {
				sc.Action.Headers = make(map[string]string, len(s.Action.Headers))
				for k, v := range s.Action.Headers {
					sc.Action.Headers[k] = v
				}
			}
			if s.Action.Values != nil {
				sc.Action.Values = make(map[string]string, len(s.Action.Values))
				for k, v := range s.Action.Values {
					sc.Action.Values[k] = v
				}
			}
			if s.StartedAt != nil {
				at := *s.StartedAt
				sc.StartedAt = &at
			}
			if s.CompletedAt != nil {
				at := *s.CompletedAt
				sc.CompletedAt = &at
			}
			c.Steps[i] = &sc
		}
	}
	if t.History != nil {
		c.History = append([]HistoryEntry(nil), t.History...)
	}
	return &c
}

// Step returns the step with the given id, or nil.
func (t *Task) Step(id string) *Step {
	for _, s := range t.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// MaxRisk returns the highest risk level across all steps.
func (t *Task) MaxRisk() Risk {
	max := RiskLow
	for _, s := range t.Steps {
		if s.Risk.AtLeast(max) {
			max = s.Risk
		}
	}
	return max
}

// RequiresApproval reports whether the task must pass a human gate before
// execution, based on its autonomy level and the planned step risks.
func (t *Task) RequiresApproval() bool {
	switch t.Autonomy {
	case AutonomyGuided, AutonomySupervised:
		return true
	case AutonomySemiAutonomous:
		return t.MaxRisk().AtLeast(RiskMedium)
	case AutonomyFullAutonomous:
		return t.MaxRisk() != RiskLow
	}
	return true
}
