package task

import "testing"

func TestTransitionLegal(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCreated, StatusPlanning, true},
		{StatusPlanning, StatusAwaitingApproval, true},
		{StatusPlanning, StatusApproved, true},
		{StatusPlanning, StatusFailed, true},
		{StatusAwaitingApproval, StatusApproved, true},
		{StatusAwaitingApproval, StatusEscalated, true},
		{StatusAwaitingApproval, StatusCancelled, true},
		{StatusEscalated, StatusApproved, true},
		{StatusEscalated, StatusCancelled, true},
		{StatusApproved, StatusExecuting, true},
		{StatusExecuting, StatusPaused, true},
		{StatusExecuting, StatusSucceeded, true},
		{StatusExecuting, StatusFailed, true},
		{StatusExecuting, StatusCancelled, true},
		{StatusPaused, StatusExecuting, true},

		{StatusCreated, StatusExecuting, false},
		{StatusEscalated, StatusEscalated, false},
		{StatusSucceeded, StatusExecuting, false},
		{StatusFailed, StatusPlanning, false},
		{StatusCancelled, StatusApproved, false},
		{StatusApproved, StatusAwaitingApproval, false},
	}
	for _, c := range cases {
		err := Transition(c.from, c.to)
		if c.ok && err != nil {
			t.Errorf("%s → %s: expected legal, got %v", c.from, c.to, err)
		}
		if !c.ok {
			if err == nil {
				t.Errorf("%s → %s: expected InvalidTransitionError", c.from, c.to)
				continue
			}
			ite, isITE := err.(*InvalidTransitionError)
			if !isITE {
				t.Errorf("%s → %s: expected *InvalidTransitionError, got %T", c.from, c.to, err)
				continue
			}
			if ite.From != c.from || ite.To != c.to {
				t.Errorf("error carries wrong states: %v", ite)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusPlanning, StatusAwaitingApproval, StatusEscalated, StatusApproved, StatusExecuting, StatusPaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRequiresApproval(t *testing.T) {
	steps := func(risks ...Risk) []*Step {
		out := make([]*Step, len(risks))
		for i, r := range risks {
			out[i] = &Step{ID: string(rune('a' + i)), Risk: r}
		}
		return out
	}
	cases := []struct {
		autonomy Autonomy
		risks    []Risk
		want     bool
	}{
		{AutonomyGuided, []Risk{RiskLow}, true},
		{AutonomySupervised, []Risk{RiskLow}, true},
		{AutonomySemiAutonomous, []Risk{RiskLow, RiskLow}, false},
		{AutonomySemiAutonomous, []Risk{RiskLow, RiskMedium}, true},
		{AutonomySemiAutonomous, []Risk{RiskHigh}, true},
		{AutonomyFullAutonomous, []Risk{RiskLow, RiskLow}, false},
		{AutonomyFullAutonomous, []Risk{RiskMedium}, true},
		{AutonomyFullAutonomous, []Risk{RiskHigh}, true},
	}
	for _, c := range cases {
		tk := &Task{Autonomy: c.autonomy, Steps: steps(c.risks...)}
		if got := tk.RequiresApproval(); got != c.want {
			t.Errorf("%s %v: RequiresApproval = %v, want %v", c.autonomy, c.risks, got, c.want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:         "t1",
		Parameters: map[string]string{"host": "db01"},
		Steps: []*Step{
			{ID: "a", DependsOn: nil, Status: StepSucceeded},
			{ID: "b", DependsOn: []string{"a"}, Status: StepPending},
		},
		History: []HistoryEntry{{From: StatusCreated, To: StatusPlanning}},
	}
	c := orig.Clone()
	c.Parameters["host"] = "db02"
	c.Steps[1].Status = StepRunning
	c.Steps[1].DependsOn[0] = "x"
	c.History[0].To = StatusFailed

	if orig.Parameters["host"] != "db01" {
		t.Error("clone shares parameters map")
	}
	if orig.Steps[1].Status != StepPending {
		t.Error("clone shares step structs")
	}
	if orig.Steps[1].DependsOn[0] != "a" {
		t.Error("clone shares depends_on slice")
	}
	if orig.History[0].To != StatusPlanning {
		t.Error("clone shares history slice")
	}
}
