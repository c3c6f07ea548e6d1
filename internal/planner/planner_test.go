package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/nidhogg/warden/internal/lifecycle"
	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

func request(typ task.Type, params map[string]string) lifecycle.PlanRequest {
	return lifecycle.PlanRequest{
		TaskID:      "t1",
		Type:        typ,
		Description: "test task",
		Parameters:  params,
		MaxSteps:    20,
	}
}

func TestTemplatesProduceValidGraphs(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	for _, typ := range []task.Type{
		task.TypeServerConfigure,
		task.TypeSystemDiagnose,
		task.TypeSystemMaintenance,
		task.TypeServerProvision,
	} {
		steps, err := p.Plan(context.Background(), request(typ, map[string]string{"host": "db01", "service": "postgres"}))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if len(steps) == 0 {
			t.Fatalf("%s: empty plan", typ)
		}
		if err := task.ValidateDAG(steps); err != nil {
			t.Errorf("%s: invalid graph: %v", typ, err)
		}
		for _, s := range steps {
			if s.Action.Kind == "" {
				t.Errorf("%s: step %s has no action", typ, s.ID)
			}
			if s.OnFailure == "" {
				t.Errorf("%s: step %s has no failure policy", typ, s.ID)
			}
		}
	}
}

func TestConfigureUsesTemplateActionWhenGiven(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	steps, err := p.Plan(context.Background(), request(task.TypeServerConfigure, map[string]string{
		"service":  "nginx",
		"template": "server { listen {{.port}}; }",
		"target":   "/etc/nginx/nginx.conf",
	}))
	if err != nil {
		t.Fatal(err)
	}
	var apply *task.Step
	for _, s := range steps {
		if s.ID == "apply-config" {
			apply = s
		}
	}
	if apply == nil {
		t.Fatal("no apply-config step")
	}
	if apply.Action.Kind != task.ActionConfigTemplateApply {
		t.Errorf("action kind = %s, want config_template_apply", apply.Action.Kind)
	}
	if apply.Action.Target != "/etc/nginx/nginx.conf" {
		t.Errorf("target = %s", apply.Action.Target)
	}
}

func TestMaintenanceUsesRemoteAPIWhenMonitorConfigured(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	steps, err := p.Plan(context.Background(), request(task.TypeSystemMaintenance, map[string]string{
		"host":        "web03",
		"monitor_url": "http://monitor.internal",
	}))
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if s.ID == "open-window" && s.Action.Kind != task.ActionRemoteAPICall {
			t.Errorf("open-window action = %s, want remote_api_call", s.Action.Kind)
		}
	}
}

func TestDefaultChecksAppended(t *testing.T) {
	p := New(Config{DefaultChecks: []string{"syntax_validation", "security_scan", "impact_assessment"}}, zap.NewNop())
	steps, err := p.Plan(context.Background(), request(task.TypeSystemDiagnose, nil))
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]*task.Step{}
	for _, s := range steps {
		byID[s.ID] = s
	}
	sec, ok := byID["check-security"]
	if !ok {
		t.Fatal("security check missing")
	}
	if sec.OnFailure != task.FailAbort {
		t.Error("security check failure must abort the task")
	}
	if _, ok := byID["check-syntax"]; !ok {
		t.Error("syntax check missing")
	}
	if _, ok := byID["check-impact"]; !ok {
		t.Error("impact check missing")
	}
	if err := task.ValidateDAG(steps); err != nil {
		t.Errorf("graph with checks invalid: %v", err)
	}
	// Checks run only after every primary step.
	if len(sec.DependsOn) != 3 {
		t.Errorf("security check depends on %d steps, want 3", len(sec.DependsOn))
	}
}

func TestUnknownTypeFallsBackToCommand(t *testing.T) {
	p := New(Config{}, zap.NewNop())

	steps, err := p.Plan(context.Background(), request(task.Type("firmware_update"), map[string]string{"command": "fwupd --apply"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[0].Action.Command != "fwupd --apply" {
		t.Fatalf("unexpected fallback plan: %+v", steps)
	}
	if steps[0].Risk != task.RiskHigh {
		t.Error("fallback execution must be treated as high risk")
	}

	_, err = p.Plan(context.Background(), request(task.Type("firmware_update"), nil))
	var pe *task.PlanningError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PlanningError without command parameter, got %v", err)
	}
}

func TestStepBudget(t *testing.T) {
	p := New(Config{DefaultChecks: []string{"syntax_validation"}}, zap.NewNop())
	req := request(task.TypeServerProvision, nil)
	req.MaxSteps = 3
	if _, err := p.Plan(context.Background(), req); err == nil {
		t.Fatal("expected step budget error")
	}
}

type fixedSource struct {
	steps []*task.Step
	err   error
}

func (s *fixedSource) SimilarPlan(ctx context.Context, typ task.Type, description string) ([]*task.Step, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	return s.steps, s.steps != nil, nil
}

func TestPlanReuseFromSource(t *testing.T) {
	reused := []*task.Step{{
		ID:          "restart",
		Description: "Restart postgres",
		Action:      task.Action{Kind: task.ActionShellCommand, Command: "systemctl restart postgres"},
		Risk:        task.RiskMedium,
		OnFailure:   task.FailAbort,
		Status:      task.StepSucceeded, // stale state from the recorded run
		Output:      "old output",
	}}
	p := New(Config{}, zap.NewNop())
	p.SetSource(&fixedSource{steps: reused})

	steps, err := p.Plan(context.Background(), request(task.TypeServerConfigure, nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].ID != "restart" {
		t.Fatalf("unexpected reused plan: %+v", steps)
	}
	if steps[0].Status != task.StepPending || steps[0].Output != "" {
		t.Error("reused steps must be reset to a dispatchable state")
	}
	if steps[0] == reused[0] {
		t.Error("reused steps must be copies")
	}
}

func TestSourceFailureFallsBackToTemplate(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	p.SetSource(&fixedSource{err: errors.New("vector store down")})

	steps, err := p.Plan(context.Background(), request(task.TypeSystemDiagnose, nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) == 0 {
		t.Fatal("template fallback did not run")
	}
}
