package task

import "fmt"

// ValidateDAG checks that step ids are unique, every dependency references an
// existing step, and the dependency graph is acyclic.
func ValidateDAG(steps []*Step) error {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	// Colors: 0 unvisited, 1 in progress, 2 done.
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case 1:
			return fmt.Errorf("dependency cycle involving step %q", id)
		case 2:
			return nil
		}
		color[id] = 1
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = 2
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Ready returns the pending steps whose dependencies have all reached a
// terminal success or skip state.
func Ready(steps []*Step) []*Step {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	var ready []*Step
	for _, s := range steps {
		if s.Status != StepPending {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			d := byID[dep]
			if d == nil || (d.Status != StepSucceeded && d.Status != StepSkipped) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// Dependents returns the ids of all steps that transitively depend on the
// given step id.
func Dependents(steps []*Step, id string) []string {
	direct := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			direct[dep] = append(direct[dep], s.ID)
		}
	}
	seen := make(map[string]bool)
	var out []string
	var walk func(id string)
	walk = func(id string) {
		for _, child := range direct[id] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			walk(child)
		}
	}
	walk(id)
	return out
}
