package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

// Planner produces a dependency-ordered step graph for a task.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) ([]*task.Step, error)
}

// PlanRequest carries everything the planner needs plus its budget.
type PlanRequest struct {
	TaskID      string
	Type        task.Type
	Description string
	Parameters  map[string]string
	MaxSteps    int
}

// Outcome is an executor's report for a single step.
type Outcome struct {
	Status task.StepStatus // succeeded or failed
	Output string
	Error  string
}

// Executor runs a single step. It must honor ctx cancellation.
type Executor interface {
	Run(ctx context.Context, step *task.Step) (*Outcome, error)
}

// EventKind labels a notification-worthy lifecycle event.
type EventKind string

const (
	EventApprovalRequested EventKind = "approval_requested"
	EventEscalated         EventKind = "escalated"
	EventSucceeded         EventKind = "succeeded"
	EventFailed            EventKind = "failed"
)

// Notifier delivers approval requests and alerts. Delivery is best effort;
// failures are logged and never block a transition.
type Notifier interface {
	Send(ctx context.Context, taskID string, kind EventKind, payload map[string]string) error
}

// Persister stores task snapshots after each transition.
type Persister interface {
	SaveTask(ctx context.Context, t *task.Task) error
}

// Publisher emits transition events to an external stream.
type Publisher interface {
	PublishTransition(ctx context.Context, taskID string, from, to task.Status, actor string) error
}

// Recorder receives terminal task snapshots for learning.
type Recorder interface {
	Record(ctx context.Context, t *task.Task)
}

// Actors recorded in task history.
const (
	ActorSystem   = "system"
	ActorOperator = "operator"
	ActorTimeout  = "timeout"
)

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	ApprovalTimeout time.Duration // awaiting_approval → escalated delay
	PlanTimeout     time.Duration // planner call budget
	MaxSteps        int           // planner step budget
	MaxConcurrent   int           // step fan-out cap per task
}

func (c Config) withDefaults() Config {
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 15 * time.Minute
	}
	if c.PlanTimeout <= 0 {
		c.PlanTimeout = 30 * time.Second
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 20
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// entry pairs a task with its serialization lock and runtime bookkeeping.
// All state transitions for one task are applied under e.mu.
type entry struct {
	mu   sync.Mutex
	task *task.Task

	approvalGen     int // invalidates stale escalation timers
	escalationTimer *time.Timer
	execCancel      context.CancelFunc
	wake            chan struct{}

	// Snapshot writes must land in transition order; seq is assigned under
	// mu, persistMu serializes the writes and drops stale snapshots.
	persistMu   sync.Mutex
	persistSeq  uint64
	persistNext uint64
}

func (e *entry) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Manager owns every task's state, transitions, approval gates, and
// escalation triggers. Planner, Executor, and Notifier never mutate task
// state directly; they return proposals or outcomes which the manager applies.
type Manager struct {
	planner  Planner
	executor Executor
	notifier Notifier
	cfg      Config
	logger   *zap.Logger

	persister Persister
	publisher Publisher
	recorder  Recorder

	mu    sync.RWMutex
	tasks map[string]*entry
}

// NewManager creates a task lifecycle manager.
func NewManager(planner Planner, executor Executor, notifier Notifier, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		planner:  planner,
		executor: executor,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		tasks:    make(map[string]*entry),
	}
}

// SetPersister enables snapshot persistence after each transition.
func (m *Manager) SetPersister(p Persister) { m.persister = p }

// SetPublisher enables transition event publishing.
func (m *Manager) SetPublisher(p Publisher) { m.publisher = p }

// SetRecorder enables the learning hook for terminal tasks.
func (m *Manager) SetRecorder(r Recorder) { m.recorder = r }

// Create registers a new task and starts planning asynchronously.
func (m *Manager) Create(ctx context.Context, typ task.Type, description string, parameters map[string]string, priority task.Priority, autonomy task.Autonomy) (string, error) {
	now := time.Now()
	params := make(map[string]string, len(parameters))
	for k, v := range parameters {
		params[k] = v
	}
	t := &task.Task{
		ID:          uuid.New().String(),
		Type:        typ,
		Description: description,
		Parameters:  params,
		Priority:    priority,
		Autonomy:    autonomy,
		Status:      task.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e := &entry{task: t, wake: make(chan struct{}, 1)}

	m.mu.Lock()
	m.tasks[t.ID] = e
	m.mu.Unlock()

	m.logger.Info("task created",
		zap.String("task", t.ID),
		zap.String("type", string(typ)),
		zap.String("autonomy", string(autonomy)))

	go m.plan(e)
	return t.ID, nil
}

// Get returns a deep snapshot of the task including its history.
func (m *Manager) Get(id string) (*task.Task, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// Summary is a compact task view for listings.
type Summary struct {
	ID          string        `json:"id"`
	Type        task.Type     `json:"type"`
	Description string        `json:"description"`
	Priority    task.Priority `json:"priority"`
	Status      task.Status   `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// List returns task summaries ordered by creation time, optionally filtered
// by status. An empty filter returns everything.
func (m *Manager) List(filter task.Status) []Summary {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []Summary
	for _, e := range entries {
		e.mu.Lock()
		t := e.task
		if filter == "" || t.Status == filter {
			out = append(out, Summary{
				ID:          t.ID,
				Type:        t.Type,
				Description: t.Description,
				Priority:    t.Priority,
				Status:      t.Status,
				CreatedAt:   t.CreatedAt,
				UpdatedAt:   t.UpdatedAt,
			})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Approve moves an awaiting or escalated task to approved and starts execution.
func (m *Manager) Approve(ctx context.Context, id, actor string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	// planning → approved is reserved for the auto-approval path; an operator
	// approve is only legal once the task is actually gated.
	if e.task.Status != task.StatusAwaitingApproval && e.task.Status != task.StatusEscalated {
		e.mu.Unlock()
		return &task.InvalidTransitionError{From: e.task.Status, To: task.StatusApproved}
	}
	m.disarmEscalation(e)
	m.applyLocked(e, task.StatusApproved, actor, "")
	m.applyLocked(e, task.StatusExecuting, ActorSystem, "")
	e.mu.Unlock()

	go m.runSteps(e)
	return nil
}

// Reject cancels a task awaiting approval (or escalated).
func (m *Manager) Reject(ctx context.Context, id, actor string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status != task.StatusAwaitingApproval && e.task.Status != task.StatusEscalated {
		return &task.InvalidTransitionError{From: e.task.Status, To: task.StatusCancelled}
	}
	m.disarmEscalation(e)
	m.applyLocked(e, task.StatusCancelled, actor, "rejected")
	return nil
}

// Cancel stops a task from any non-terminal state. In-flight steps are
// signalled to stop at their next safe checkpoint; recorded outcomes are kept.
func (m *Manager) Cancel(ctx context.Context, id, actor string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := task.Transition(e.task.Status, task.StatusCancelled); err != nil {
		return err
	}
	m.disarmEscalation(e)
	m.applyLocked(e, task.StatusCancelled, actor, "cancelled")
	if e.execCancel != nil {
		e.execCancel()
	}
	e.signal()
	return nil
}

// Pause stops new step dispatch; in-flight steps are allowed to finish.
func (m *Manager) Pause(ctx context.Context, id, actor string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := task.Transition(e.task.Status, task.StatusPaused); err != nil {
		return err
	}
	m.applyLocked(e, task.StatusPaused, actor, "")
	e.signal()
	return nil
}

// Resume restarts step dispatch for a paused task.
func (m *Manager) Resume(ctx context.Context, id, actor string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status != task.StatusPaused {
		return &task.InvalidTransitionError{From: e.task.Status, To: task.StatusExecuting}
	}
	m.applyLocked(e, task.StatusExecuting, actor, "")
	e.signal()
	return nil
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, task.ErrNotFound
	}
	return e, nil
}

// plan drives created → planning → (awaiting_approval | approved | failed).
func (m *Manager) plan(e *entry) {
	e.mu.Lock()
	if e.task.Status != task.StatusCreated {
		e.mu.Unlock()
		return
	}
	m.applyLocked(e, task.StatusPlanning, ActorSystem, "")
	req := PlanRequest{
		TaskID:      e.task.ID,
		Type:        e.task.Type,
		Description: e.task.Description,
		Parameters:  e.task.Parameters,
		MaxSteps:    m.cfg.MaxSteps,
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PlanTimeout)
	steps, err := m.planner.Plan(ctx, req)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status != task.StatusPlanning {
		// Cancelled while planning; discard the proposal.
		return
	}
	if err == nil && len(steps) > m.cfg.MaxSteps {
		err = &task.PlanningError{Reason: "plan exceeds step budget"}
	}
	if err == nil {
		err = task.ValidateDAG(steps)
		if err != nil {
			err = &task.PlanningError{Reason: "invalid step graph", Err: err}
		}
	}
	if err != nil {
		m.logger.Warn("planning failed", zap.String("task", e.task.ID), zap.Error(err))
		m.applyLocked(e, task.StatusFailed, ActorSystem, err.Error())
		return
	}

	for _, s := range steps {
		if s.Status == "" {
			s.Status = task.StepPending
		}
		if s.OnFailure == "" {
			if s.Risk.AtLeast(task.RiskMedium) {
				s.OnFailure = task.FailAbort
			} else {
				s.OnFailure = task.FailSkipDependents
			}
		}
	}
	e.task.Steps = steps

	if e.task.RequiresApproval() {
		m.applyLocked(e, task.StatusAwaitingApproval, ActorSystem, "")
		m.armEscalation(e)
		return
	}
	m.applyLocked(e, task.StatusApproved, ActorSystem, "")
	m.applyLocked(e, task.StatusExecuting, ActorSystem, "")
	go m.runSteps(e)
}

// armEscalation schedules the approval timeout. It is re-armed on every entry
// into awaiting_approval; the generation counter invalidates stale timers.
func (m *Manager) armEscalation(e *entry) {
	e.approvalGen++
	gen := e.approvalGen
	id := e.task.ID
	e.escalationTimer = time.AfterFunc(m.cfg.ApprovalTimeout, func() {
		m.escalate(id, gen)
	})
}

func (m *Manager) disarmEscalation(e *entry) {
	e.approvalGen++
	if e.escalationTimer != nil {
		e.escalationTimer.Stop()
		e.escalationTimer = nil
	}
}

func (m *Manager) escalate(id string, gen int) {
	e, err := m.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.approvalGen || e.task.Status != task.StatusAwaitingApproval {
		return
	}
	m.logger.Warn("approval timed out, escalating", zap.String("task", id))
	m.applyLocked(e, task.StatusEscalated, ActorTimeout, "approval timeout")
}

// applyLocked applies one validated transition: exactly one history record,
// one optional notification, one published event, one persisted snapshot.
// Caller must hold e.mu and have validated the transition.
func (m *Manager) applyLocked(e *entry, to task.Status, actor, note string) {
	from := e.task.Status
	now := time.Now()
	e.task.Status = to
	e.task.UpdatedAt = now
	if to.Terminal() && note != "" {
		e.task.Reason = note
	}
	e.task.History = append(e.task.History, task.HistoryEntry{
		At:    now,
		From:  from,
		To:    to,
		Actor: actor,
		Note:  note,
	})

	m.logger.Info("task transition",
		zap.String("task", e.task.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor))

	snapshot := e.task.Clone()
	seq := e.persistSeq
	e.persistSeq++
	m.sideEffects(e, seq, snapshot, from, to, actor, note)

	if to.Terminal() && m.recorder != nil {
		go m.recorder.Record(context.Background(), snapshot)
	}
}

// sideEffects fires notification, event publishing, and persistence for an
// applied transition. All are best effort and never block further transitions.
// Snapshots carry a per-task sequence so writes land in transition order and a
// stale snapshot never overwrites a newer one.
func (m *Manager) sideEffects(e *entry, seq uint64, snapshot *task.Task, from, to task.Status, actor, note string) {
	var kind EventKind
	switch to {
	case task.StatusAwaitingApproval:
		kind = EventApprovalRequested
	case task.StatusEscalated:
		kind = EventEscalated
	case task.StatusSucceeded:
		kind = EventSucceeded
	case task.StatusFailed:
		kind = EventFailed
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if kind != "" && m.notifier != nil {
			payload := map[string]string{
				"type":        string(snapshot.Type),
				"description": snapshot.Description,
				"status":      string(to),
				"priority":    string(snapshot.Priority),
			}
			if note != "" {
				payload["reason"] = note
			}
			if err := m.notifier.Send(ctx, snapshot.ID, kind, payload); err != nil {
				m.logger.Warn("notification failed",
					zap.String("task", snapshot.ID),
					zap.String("kind", string(kind)),
					zap.Error(err))
			}
		}
		if m.publisher != nil {
			if err := m.publisher.PublishTransition(ctx, snapshot.ID, from, to, actor); err != nil {
				m.logger.Warn("event publish failed", zap.String("task", snapshot.ID), zap.Error(err))
			}
		}
		if m.persister != nil {
			e.persistMu.Lock()
			if seq >= e.persistNext {
				e.persistNext = seq + 1
				if err := m.persister.SaveTask(ctx, snapshot); err != nil {
					m.logger.Warn("task persistence failed", zap.String("task", snapshot.ID), zap.Error(err))
				}
			}
			e.persistMu.Unlock()
		}
	}()
}
