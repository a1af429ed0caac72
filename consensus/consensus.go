// Package consensus evaluates completion events against a group step's
// completion mode.
package consensus

import (
	"fmt"
	"time"

	"github.com/mukund-aria/ai-flow-saas-sub001/model"
	"github.com/mukund-aria/ai-flow-saas-sub001/util"
)

type Result struct {
	// Satisfied means this submission closed the group and the step may
	// complete.
	Satisfied bool
	// NoOp means the submitter had already completed; nothing changed.
	NoOp      bool
	Completed int
	Total     int
}

// Apply records one member's completion on the execution and evaluates the
// mode. The individual payload is kept under the _submissions reserved key;
// when the group closes, Merged returns the aggregate.
//
// Apply mutates the execution it is given and therefore must run inside the
// same serialization boundary as the status write, or concurrent members
// could both read a stale count.
func Apply(exec *model.StepExecution, actor model.Identity, payload map[string]any, mode model.CompletionMode, now time.Time) (Result, error) {
	idx := memberIndex(exec, actor)
	if idx < 0 {
		return Result{}, model.StateError{Op: "completeStep", Current: fmt.Sprintf("identity %s is not an assignee of step %s", actor.Key(), exec.StepId)}
	}
	res := Result{Total: len(exec.Group)}
	if exec.Group[idx].Status == model.GROUP_MEMBER_COMPLETED {
		res.NoOp = true
		res.Completed = completedCount(exec)
		return res, nil
	}
	exec.Group[idx].Status = model.GROUP_MEMBER_COMPLETED
	exec.Group[idx].CompletedAt = &now
	recordSubmission(exec, actor, payload)

	res.Completed = completedCount(exec)
	switch mode {
	case model.COMPLETION_MODE_ANY:
		res.Satisfied = res.Completed >= 1
	case model.COMPLETION_MODE_MAJORITY:
		res.Satisfied = res.Completed > res.Total/2
	default:
		// ALL is also the fallback for a missing mode.
		res.Satisfied = res.Completed == res.Total
	}
	return res, nil
}

// Merged aggregates the completed members' payloads: a key-wise union in
// submission order, later submissions winning on conflicts. The per-member
// payloads stay available under _submissions.
func Merged(exec *model.StepExecution) map[string]any {
	merged := make(map[string]any)
	subs, _ := exec.Result[model.KEY_SUBMISSIONS].(map[string]any)
	ordered := make([]model.GroupAssignee, 0, len(exec.Group))
	for _, m := range exec.Group {
		if m.Status == model.GROUP_MEMBER_COMPLETED {
			ordered = append(ordered, m)
		}
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && before(ordered[j], ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for _, m := range ordered {
		payload, _ := subs[m.Identity.Key()].(map[string]any)
		for k, v := range payload {
			merged[k] = v
		}
	}
	merged[model.KEY_SUBMISSIONS] = subs
	return merged
}

func before(a, b model.GroupAssignee) bool {
	if a.CompletedAt == nil || b.CompletedAt == nil {
		return false
	}
	return a.CompletedAt.Before(*b.CompletedAt)
}

func recordSubmission(exec *model.StepExecution, actor model.Identity, payload map[string]any) {
	if exec.Result == nil {
		exec.Result = make(map[string]any)
	}
	subs, ok := exec.Result[model.KEY_SUBMISSIONS].(map[string]any)
	if !ok {
		subs = make(map[string]any)
		exec.Result[model.KEY_SUBMISSIONS] = subs
	}
	subs[actor.Key()] = util.CopyMap(payload)
}

func memberIndex(exec *model.StepExecution, actor model.Identity) int {
	for i, m := range exec.Group {
		if m.Identity.Key() == actor.Key() && len(actor.Key()) > 0 {
			return i
		}
		if len(actor.Email) > 0 && m.Identity.Email == actor.Email {
			return i
		}
	}
	return -1
}

func completedCount(exec *model.StepExecution) int {
	n := 0
	for _, m := range exec.Group {
		if m.Status == model.GROUP_MEMBER_COMPLETED {
			n++
		}
	}
	return n
}
