package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

type stepResult struct {
	stepID  string
	outcome *Outcome
	stopped bool // executor stopped on ctx cancellation
}

// runSteps drives an approved task through step execution. Steps with no
// unresolved dependency fan out up to the concurrency cap; dispatch respects
// the dependency DAG. Runs until the task settles or is cancelled.
func (m *Manager) runSteps(e *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mu.Lock()
	e.execCancel = cancel
	e.mu.Unlock()

	results := make(chan stepResult)
	inFlight := 0
	aborted := false
	abortNote := ""

	for {
		e.mu.Lock()
		status := e.task.Status

		// Dispatch eligible steps. Nothing new starts while paused,
		// cancelled, or after an abort-policy failure.
		if status == task.StatusExecuting && !aborted {
			for _, s := range task.Ready(e.task.Steps) {
				if inFlight >= m.cfg.MaxConcurrent {
					break
				}
				now := time.Now()
				s.Status = task.StepRunning
				s.StartedAt = &now
				inFlight++
				go m.runOne(ctx, e.task.ID, *s, results)
			}
		}

		// Settlement decisions are only taken once in-flight steps finished.
		if inFlight == 0 {
			switch {
			case status == task.StatusCancelled:
				skipRemaining(e.task, "task cancelled")
				e.execCancel = nil
				e.mu.Unlock()
				return
			case aborted && status == task.StatusExecuting:
				skipRemaining(e.task, "aborted by failed step")
				m.applyLocked(e, task.StatusFailed, ActorSystem, abortNote)
				e.execCancel = nil
				e.mu.Unlock()
				return
			case status == task.StatusExecuting && settled(e.task.Steps):
				m.applyLocked(e, task.StatusSucceeded, ActorSystem, "")
				e.execCancel = nil
				e.mu.Unlock()
				return
			}
		}
		e.mu.Unlock()

		select {
		case r := <-results:
			inFlight--
			e.mu.Lock()
			m.recordOutcome(e, r, &aborted, &abortNote)
			e.mu.Unlock()
		case <-e.wake:
			// Pause, resume, or cancel; loop re-evaluates.
		}
	}
}

// runOne executes a single step against the executor. The step is passed by
// value so executor reads never race with manager writes.
func (m *Manager) runOne(ctx context.Context, taskID string, step task.Step, results chan<- stepResult) {
	m.logger.Info("dispatching step",
		zap.String("task", taskID),
		zap.String("step", step.ID),
		zap.String("kind", string(step.Action.Kind)))

	out, err := m.executor.Run(ctx, &step)
	r := stepResult{stepID: step.ID}
	switch {
	case err != nil:
		r.outcome = &Outcome{Status: task.StepFailed, Error: err.Error()}
		r.stopped = errors.Is(err, context.Canceled) || ctx.Err() != nil
	case out == nil:
		r.outcome = &Outcome{Status: task.StepFailed, Error: "executor returned no outcome"}
	default:
		r.outcome = out
	}
	results <- r
}

// recordOutcome applies a step result. Caller holds e.mu.
func (m *Manager) recordOutcome(e *entry, r stepResult, aborted *bool, abortNote *string) {
	s := e.task.Step(r.stepID)
	if s == nil {
		return
	}
	now := time.Now()
	s.CompletedAt = &now
	s.Output = r.outcome.Output
	e.task.UpdatedAt = now

	if r.outcome.Status == task.StepSucceeded {
		s.Status = task.StepSucceeded
		return
	}

	if r.stopped && e.task.Status == task.StatusCancelled {
		// Stopped at a safe checkpoint, not a real failure.
		s.Status = task.StepSkipped
		s.Error = "stopped by cancellation"
		return
	}

	s.Status = task.StepFailed
	s.Error = r.outcome.Error
	m.logger.Warn("step failed",
		zap.String("task", e.task.ID),
		zap.String("step", s.ID),
		zap.String("policy", string(s.OnFailure)),
		zap.String("error", s.Error))

	if s.OnFailure == task.FailAbort {
		*aborted = true
		*abortNote = (&task.ExecutionError{StepID: s.ID, Detail: s.Error}).Error()
		return
	}
	// skip_dependents: absorb the failure, skip everything downstream.
	for _, id := range task.Dependents(e.task.Steps, s.ID) {
		d := e.task.Step(id)
		if d != nil && d.Status == task.StepPending {
			d.Status = task.StepSkipped
			d.Error = "dependency failed: " + s.ID
		}
	}
}

// skipRemaining marks all still-pending steps skipped without touching
// already-recorded outcomes.
func skipRemaining(t *task.Task, note string) {
	for _, s := range t.Steps {
		if s.Status == task.StepPending {
			s.Status = task.StepSkipped
			s.Error = note
		}
	}
}

// settled reports whether every step reached a terminal state.
func settled(steps []*task.Step) bool {
	for _, s := range steps {
		if s.Status == task.StepPending || s.Status == task.StepRunning {
			return false
		}
	}
	return true
}
