package flow

import "github.com/mukund-aria/ai-flow-saas-sub001/model"

// MilestoneProgress derives display progress from execution statuses. A
// milestone is done when every step inside its boundary is terminal; steps
// on untaken branches count once the run passes them.
func MilestoneProgress(g *Graph, executions []model.StepExecution) []model.MilestoneProgress {
	byIndex := make(map[int]model.StepExecution, len(executions))
	for _, e := range executions {
		byIndex[e.StepIndex] = e
	}
	var out []model.MilestoneProgress
	start := 0
	for _, m := range g.Definition.Milestones {
		p := model.MilestoneProgress{Name: m.Name, Done: true}
		for i := start; i <= m.EndIndex && i < len(g.Steps); i++ {
			p.Total++
			e, ok := byIndex[i]
			if ok && e.Status.Terminal() {
				p.Completed++
			} else {
				p.Done = false
			}
		}
		out = append(out, p)
		start = m.EndIndex + 1
	}
	return out
}
