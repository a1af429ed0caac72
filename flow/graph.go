// Package flow turns the loosely typed step list of a definition into a
// typed step graph. All branch, lane and outcome resolution happens here at
// build time so that advancement never re-interprets raw definition data.
package flow

import (
	"fmt"

	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

// ParallelGroup describes a set of lanes that run concurrently and converge
// on the step after the group.
type ParallelGroup struct {
	Id      string
	Lanes   []string
	Entries []int
	Ends    map[string]int
	// JoinIndex is the step following the group, -1 when the group ends the
	// definition.
	JoinIndex int
}

// Step is one definition step with its successors precomputed.
type Step struct {
	Def     model.StepDef
	Index   int
	LaneEnd bool
	// LinearNext is the plain successor index, -1 when none. Lane ends of a
	// parallel group keep -1; their successor is the group join.
	LinearNext int
	Group      *ParallelGroup
	// OutcomeNext maps a decision/approval outcome key to the entry indices
	// of the lanes it selects.
	OutcomeNext map[string][]int
}

type Graph struct {
	Definition *model.FlowDefinition
	Steps      []*Step
	groups     map[string]*ParallelGroup
	roles      map[string]model.RolePlaceholder
}

// Role returns the placeholder a step role name refers to.
func (g *Graph) Role(name string) (model.RolePlaceholder, bool) {
	r, ok := g.roles[name]
	return r, ok
}

// StepByIndex panics on out of range; callers index with execution
// StepIndex values that Build already bounded.
func (g *Graph) StepByIndex(i int) *Step {
	return g.Steps[i]
}

// Expand widens a single activation target to the full fan-out set: when
// the target is the entry of a parallel group every lane entry of that
// group activates together.
func (g *Graph) Expand(idx int) []int {
	s := g.Steps[idx]
	if s.Group != nil {
		for _, e := range s.Group.Entries {
			if e == idx {
				out := make([]int, len(s.Group.Entries))
				copy(out, s.Group.Entries)
				return out
			}
		}
	}
	return []int{idx}
}

// StartSet is the activation set for a fresh run.
func (g *Graph) StartSet() []int {
	return g.Expand(0)
}

// Build validates a definition and compiles it into a Graph. Every error it
// returns is a model.ValidationError: templates are user authored and must
// degrade to a reported error, never a panic.
func Build(def *model.FlowDefinition) (*Graph, error) {
	if len(def.Steps) == 0 {
		return nil, model.ValidationError{Reason: "definition has no steps"}
	}
	g := &Graph{
		Definition: def,
		groups:     make(map[string]*ParallelGroup),
		roles:      make(map[string]model.RolePlaceholder),
	}
	for _, r := range def.Roles {
		if _, ok := g.roles[r.Name]; ok {
			return nil, model.ValidationError{Reason: fmt.Sprintf("role %s is duplicate", r.Name)}
		}
		g.roles[r.Name] = r
	}
	if def.Due != nil {
		if def.Due.BeforeFlowDue {
			return nil, model.ValidationError{Reason: "flow level due date can not anchor on itself"}
		}
		if err := validateDue(def.Due); err != nil {
			return nil, err
		}
	}
	if err := g.buildSteps(def); err != nil {
		return nil, err
	}
	if err := g.buildGroups(def); err != nil {
		return nil, err
	}
	if err := g.linkSteps(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) buildSteps(def *model.FlowDefinition) error {
	seen := make(map[string]bool)
	for i, sd := range def.Steps {
		if len(sd.Id) == 0 {
			return model.ValidationError{Reason: fmt.Sprintf("step at index %d has no id", i)}
		}
		if seen[sd.Id] {
			return model.ValidationError{Reason: fmt.Sprintf("step id %s is duplicate", sd.Id)}
		}
		seen[sd.Id] = true
		if err := model.ValidateStepType(string(sd.Type)); err != nil {
			return model.ValidationError{Reason: err.Error()}
		}
		if len(sd.Role) > 0 {
			if _, ok := g.roles[sd.Role]; !ok {
				return model.ValidationError{Reason: fmt.Sprintf("step %s references unknown role %s", sd.Id, sd.Role)}
			}
		}
		if sd.Group != nil {
			if len(sd.Group.Roles) == 0 {
				return model.ValidationError{Reason: fmt.Sprintf("group step %s has no roles", sd.Id)}
			}
			switch sd.Group.CompletionMode {
			case model.COMPLETION_MODE_ALL, model.COMPLETION_MODE_MAJORITY, model.COMPLETION_MODE_ANY:
			default:
				return model.ValidationError{Reason: fmt.Sprintf("group step %s has unknown completion mode %s", sd.Id, sd.Group.CompletionMode)}
			}
			for _, role := range sd.Group.Roles {
				if _, ok := g.roles[role]; !ok {
					return model.ValidationError{Reason: fmt.Sprintf("group step %s references unknown role %s", sd.Id, role)}
				}
			}
		}
		if sd.Type == model.STEP_TYPE_SUB_FLOW && len(sd.SubFlow) == 0 {
			return model.ValidationError{Reason: fmt.Sprintf("sub-flow step %s names no definition", sd.Id)}
		}
		if sd.Due != nil {
			if err := validateDue(sd.Due); err != nil {
				return err
			}
		}
		g.Steps = append(g.Steps, &Step{Def: sd, Index: i, LinearNext: -1})
	}
	for _, m := range def.Milestones {
		if m.EndIndex < 0 || m.EndIndex >= len(def.Steps) {
			return model.ValidationError{Reason: fmt.Sprintf("milestone %s boundary %d out of range", m.Name, m.EndIndex)}
		}
	}
	return nil
}

func validateDue(spec *model.DueSpec) error {
	switch spec.Unit {
	case model.DUE_UNIT_MINUTES, model.DUE_UNIT_HOURS, model.DUE_UNIT_DAYS:
		return nil
	}
	return model.ValidationError{Reason: fmt.Sprintf("unknown due unit %s", spec.Unit)}
}

func (g *Graph) buildGroups(def *model.FlowDefinition) error {
	bounds := make(map[string][2]int)
	for i, sd := range def.Steps {
		if len(sd.ParallelGroup) == 0 {
			continue
		}
		if len(sd.BranchPath) == 0 {
			return model.ValidationError{Reason: fmt.Sprintf("parallel step %s has no lane tag", sd.Id)}
		}
		pg, ok := g.groups[sd.ParallelGroup]
		if !ok {
			pg = &ParallelGroup{Id: sd.ParallelGroup, Ends: make(map[string]int), JoinIndex: -1}
			g.groups[sd.ParallelGroup] = pg
			bounds[sd.ParallelGroup] = [2]int{i, i}
		}
		b := bounds[sd.ParallelGroup]
		if i > b[1] {
			b[1] = i
		}
		bounds[sd.ParallelGroup] = b
		if last, seen := pg.Ends[sd.BranchPath]; !seen {
			pg.Lanes = append(pg.Lanes, sd.BranchPath)
			pg.Entries = append(pg.Entries, i)
		} else if last != i-1 {
			// An interleaved lane would leave its resumed steps with no
			// successor and no lane end, stranding them forever.
			return model.ValidationError{Reason: fmt.Sprintf("lane %s of parallel group %s is not contiguous", sd.BranchPath, sd.ParallelGroup)}
		}
		pg.Ends[sd.BranchPath] = i
		g.Steps[i].Group = pg
	}
	for id, pg := range g.groups {
		b := bounds[id]
		for i := b[0]; i <= b[1]; i++ {
			if g.Steps[i].Group != pg {
				return model.ValidationError{Reason: fmt.Sprintf("parallel group %s is not contiguous", id)}
			}
		}
		if b[1]+1 < len(g.Steps) {
			pg.JoinIndex = b[1] + 1
		}
		for _, tag := range pg.Lanes {
			g.Steps[pg.Ends[tag]].LaneEnd = true
		}
	}
	return nil
}

func (g *Graph) linkSteps() error {
	n := len(g.Steps)
	for i, s := range g.Steps {
		if len(s.Def.Outcomes) > 0 {
			s.OutcomeNext = make(map[string][]int)
			for outcome, tag := range s.Def.Outcomes {
				entries := g.laneEntries(i+1, tag)
				if len(entries) == 0 {
					return model.ValidationError{Reason: fmt.Sprintf("outcome %s of step %s selects branch %s with no steps", outcome, s.Def.Id, tag)}
				}
				s.OutcomeNext[outcome] = entries
			}
			continue
		}
		if i+1 >= n {
			continue
		}
		next := g.Steps[i+1]
		switch {
		case s.Group != nil:
			if next.Group == s.Group && next.Def.BranchPath == s.Def.BranchPath {
				s.LinearNext = i + 1
			}
		case len(s.Def.BranchPath) > 0:
			if next.Def.BranchPath == s.Def.BranchPath && next.Group == nil {
				s.LinearNext = i + 1
			} else {
				s.LinearNext = g.mergeTarget(i + 1)
			}
		default:
			if next.Group != nil || len(next.Def.BranchPath) == 0 {
				s.LinearNext = i + 1
			} else {
				return model.ValidationError{Reason: fmt.Sprintf("step %s is followed by branch steps but defines no outcomes", s.Def.Id)}
			}
		}
	}
	return nil
}

// laneEntries finds the first step of each contiguous run tagged with the
// branch, scanning forward from the given index.
func (g *Graph) laneEntries(from int, tag string) []int {
	var entries []int
	for j := from; j < len(g.Steps); j++ {
		if g.Steps[j].Def.BranchPath != tag {
			continue
		}
		if j == from || g.Steps[j-1].Def.BranchPath != tag {
			entries = append(entries, j)
		}
	}
	return entries
}

// mergeTarget is the trunk step a finished branch lane falls through to.
func (g *Graph) mergeTarget(from int) int {
	for j := from; j < len(g.Steps); j++ {
		if len(g.Steps[j].Def.BranchPath) == 0 {
			return j
		}
	}
	return -1
}
