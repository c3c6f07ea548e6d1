package task

import (
	"sort"
	"testing"
)

func step(id string, deps ...string) *Step {
	return &Step{ID: id, DependsOn: deps, Status: StepPending}
}

func TestValidateDAG(t *testing.T) {
	if err := ValidateDAG([]*Step{step("a"), step("b", "a"), step("c", "a")}); err != nil {
		t.Fatalf("valid diamond rejected: %v", err)
	}
	if err := ValidateDAG([]*Step{step("a", "b"), step("b", "a")}); err == nil {
		t.Fatal("cycle accepted")
	}
	if err := ValidateDAG([]*Step{step("a", "a")}); err == nil {
		t.Fatal("self-cycle accepted")
	}
	if err := ValidateDAG([]*Step{step("a", "missing")}); err == nil {
		t.Fatal("unknown dependency accepted")
	}
	if err := ValidateDAG([]*Step{step("a"), step("a")}); err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestReady(t *testing.T) {
	steps := []*Step{step("a"), step("b", "a"), step("c", "a"), step("d", "b", "c")}
	got := ids(Ready(steps))
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected only a ready, got %v", got)
	}

	steps[0].Status = StepSucceeded
	got = ids(Ready(steps))
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected b,c ready, got %v", got)
	}

	// Skipped dependencies also unblock.
	steps[1].Status = StepSkipped
	steps[2].Status = StepSucceeded
	got = ids(Ready(steps))
	if len(got) != 1 || got[0] != "d" {
		t.Fatalf("expected d ready, got %v", got)
	}

	// Failed dependency blocks.
	steps[2].Status = StepFailed
	if got = ids(Ready(steps)); len(got) != 0 {
		t.Fatalf("expected nothing ready, got %v", got)
	}
}

func TestDependents(t *testing.T) {
	steps := []*Step{step("a"), step("b", "a"), step("c", "b"), step("d", "a"), step("e")}
	got := ids2(Dependents(steps, "a"))
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("dependents of a: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dependents of a: got %v, want %v", got, want)
		}
	}
	if len(Dependents(steps, "e")) != 0 {
		t.Error("leaf step should have no dependents")
	}
}

func ids(steps []*Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	sort.Strings(out)
	return out
}

func ids2(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
