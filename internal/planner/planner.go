package planner

import (
	"context"

	"github.com/nidhogg/warden/internal/lifecycle"
	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

// PlanSource is the minimal interface the planner needs from the knowledge
// base: past plans for similar tasks, reusable as-is.
type PlanSource interface {
	SimilarPlan(ctx context.Context, typ task.Type, description string) ([]*task.Step, bool, error)
}

// Config tunes plan generation.
type Config struct {
	// DefaultChecks appends trailing verification steps to every plan.
	// Recognized values: syntax_validation, security_scan, impact_assessment.
	DefaultChecks []string `json:"default_checks"`
}

// Planner generates dependency-ordered step graphs from per-type templates.
// When a plan source is attached, plans from similar past tasks are reused
// before falling back to templates.
type Planner struct {
	cfg    Config
	source PlanSource
	logger *zap.Logger
}

// New creates a template-driven planner.
func New(cfg Config, logger *zap.Logger) *Planner {
	return &Planner{cfg: cfg, logger: logger}
}

// SetSource attaches a knowledge base for plan reuse.
func (p *Planner) SetSource(s PlanSource) { p.source = s }

// Plan builds the step graph for a task. Unknown task types get a minimal
// fallback plan when the parameters carry enough to act on; otherwise the
// call fails with a PlanningError.
func (p *Planner) Plan(ctx context.Context, req lifecycle.PlanRequest) ([]*task.Step, error) {
	if p.source != nil {
		steps, ok, err := p.source.SimilarPlan(ctx, req.Type, req.Description)
		if err != nil {
			p.logger.Warn("plan reuse lookup failed", zap.String("task", req.TaskID), zap.Error(err))
		} else if ok {
			p.logger.Info("reusing plan from similar past task",
				zap.String("task", req.TaskID),
				zap.Int("steps", len(steps)))
			return resetSteps(steps), nil
		}
	}

	steps := templateFor(req)
	if steps == nil {
		steps = fallbackPlan(req)
	}
	if steps == nil {
		return nil, &task.PlanningError{Reason: "no plan template for task type " + string(req.Type)}
	}

	steps = append(steps, p.defaultChecks(allIDs(steps))...)
	if req.MaxSteps > 0 && len(steps) > req.MaxSteps {
		return nil, &task.PlanningError{Reason: "plan exceeds step budget"}
	}

	p.logger.Info("plan created",
		zap.String("task", req.TaskID),
		zap.String("type", string(req.Type)),
		zap.Int("steps", len(steps)))
	return steps, nil
}

// defaultChecks builds the configured trailing verification steps. Each check
// depends on every planned step so it runs after all changes landed.
func (p *Planner) defaultChecks(after []string) []*task.Step {
	var out []*task.Step
	for _, check := range p.cfg.DefaultChecks {
		switch check {
		case "syntax_validation":
			out = append(out, &task.Step{
				ID:          "check-syntax",
				Description: "Validate syntax of applied configuration",
				Action:      task.Action{Kind: task.ActionShellCommand, Command: "warden-validate --mode=syntax"},
				DependsOn:   after,
				Risk:        task.RiskLow,
				OnFailure:   task.FailSkipDependents,
			})
		case "security_scan":
			out = append(out, &task.Step{
				ID:          "check-security",
				Description: "Scan changed surface for security regressions",
				Action:      task.Action{Kind: task.ActionShellCommand, Command: "warden-validate --mode=security"},
				DependsOn:   after,
				Risk:        task.RiskLow,
				OnFailure:   task.FailAbort,
			})
		case "impact_assessment":
			out = append(out, &task.Step{
				ID:          "check-impact",
				Description: "Assess operational impact of changes",
				Action:      task.Action{Kind: task.ActionShellCommand, Command: "warden-validate --mode=impact"},
				DependsOn:   after,
				Risk:        task.RiskLow,
				OnFailure:   task.FailSkipDependents,
			})
		default:
			p.logger.Warn("unknown default check, skipping", zap.String("check", check))
		}
	}
	return out
}

// resetSteps deep-copies reused steps back to a dispatchable state.
func resetSteps(steps []*task.Step) []*task.Step {
	out := make([]*task.Step, len(steps))
	for i, s := range steps {
		c := *s
		c.DependsOn = append([]string(nil), s.DependsOn...)
		c.Status = task.StepPending
		c.Output = ""
		c.Error = ""
		c.StartedAt = nil
		c.CompletedAt = nil
		out[i] = &c
	}
	return out
}

func allIDs(steps []*task.Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}
