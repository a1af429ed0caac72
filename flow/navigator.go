package flow

import (
	"fmt"

	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

// OutcomeOf extracts the decision/approval outcome from a completion
// payload. Both keys are accepted because approvals submit `decision` and
// generic decision steps submit `outcome`.
func OutcomeOf(result map[string]any) string {
	for _, key := range []string{"decision", "outcome"} {
		if v, ok := result[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Next computes the activation set after a completion. It returns the step
// indices to activate; an empty set means either "wait for sibling lanes"
// or "nothing left on this path", which the engine disambiguates by looking
// at the remaining active executions.
//
// The parallel join check reads the sibling lane executions it is given, so
// callers must invoke it inside the same serialization boundary as the
// write that made this lane terminal.
func Next(g *Graph, executions []model.StepExecution, completedIndex int, result map[string]any) ([]int, error) {
	if completedIndex < 0 || completedIndex >= len(g.Steps) {
		return nil, model.ValidationError{Reason: fmt.Sprintf("step index %d out of range", completedIndex)}
	}
	s := g.Steps[completedIndex]

	if len(s.OutcomeNext) > 0 {
		outcome := OutcomeOf(result)
		entries, ok := s.OutcomeNext[outcome]
		if !ok {
			return nil, model.ValidationError{Reason: fmt.Sprintf("no branch defined for outcome %q on step %s", outcome, s.Def.Id)}
		}
		return expandAll(g, entries), nil
	}

	if s.Group != nil && s.LaneEnd {
		byIndex := make(map[int]model.StepExecution, len(executions))
		for _, e := range executions {
			byIndex[e.StepIndex] = e
		}
		for _, tag := range s.Group.Lanes {
			end, ok := byIndex[s.Group.Ends[tag]]
			if !ok || !end.Status.Terminal() {
				return nil, nil
			}
		}
		if s.Group.JoinIndex < 0 {
			return nil, nil
		}
		return g.Expand(s.Group.JoinIndex), nil
	}

	if s.LinearNext >= 0 {
		return g.Expand(s.LinearNext), nil
	}
	return nil, nil
}

func expandAll(g *Graph, entries []int) []int {
	var out []int
	seen := make(map[int]bool)
	for _, e := range entries {
		for _, idx := range g.Expand(e) {
			if !seen[idx] {
				seen[idx] = true
				out = append(out, idx)
			}
		}
	}
	return out
}
