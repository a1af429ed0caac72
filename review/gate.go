// Package review gates step completion behind an external AI review
// capability.
package review

import (
	"context"
	"time"

	"github.com/mukund-aria/ai-flow-saas-sub001/model"
	"github.com/mukund-aria/ai-flow-saas-sub001/util"
)

type Status string

const STATUS_APPROVED Status = "APPROVED"
const STATUS_REVISION_NEEDED Status = "REVISION_NEEDED"

type Result struct {
	Status   Status   `json:"status"`
	Feedback string   `json:"feedback,omitempty"`
	Issues   []string `json:"issues,omitempty"`
}

// Reviewer is the external review capability. It may be backed by an async
// process; the gate only cares whether the submission clears.
type Reviewer interface {
	Review(ctx context.Context, executionId string, step model.StepDef, payload map[string]any) (Result, error)
}

// Decision is what the gate tells the engine to do with a completion
// attempt.
type Decision struct {
	Cleared  bool
	Feedback string
	Issues   []string
	// PayloadHash identifies the cleared payload, recorded on the execution
	// so a crash retry of the same payload skips the reviewer.
	PayloadHash string
}

type Gate struct {
	reviewer Reviewer
	timeout  time.Duration
}

func NewGate(reviewer Reviewer, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gate{reviewer: reviewer, timeout: timeout}
}

// Evaluate decides whether a completion attempt may proceed. Steps with no
// review config pass through untouched. The reviewer call is bounded by the
// gate timeout; its failure surfaces as TransientError so the caller can
// retry the whole operation.
func (g *Gate) Evaluate(ctx context.Context, exec *model.StepExecution, step model.StepDef, payload map[string]any) (Decision, error) {
	if step.Review == nil {
		return Decision{Cleared: true}, nil
	}
	hash := util.HashPayload(payload)
	if prev, ok := exec.Result[model.KEY_REVIEWED_HASH].(string); ok && prev == hash {
		// This exact payload already cleared once; do not re-invoke the
		// reviewer on a retried completion.
		return Decision{Cleared: true, PayloadHash: hash}, nil
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	res, err := g.reviewer.Review(rctx, exec.Id, step, payload)
	if err != nil {
		return Decision{}, model.TransientError{Cause: err}
	}
	if res.Status == STATUS_APPROVED {
		return Decision{Cleared: true, Feedback: res.Feedback, PayloadHash: hash}, nil
	}
	return Decision{Cleared: false, Feedback: res.Feedback, Issues: res.Issues}, nil
}

// AutoApprove is the reviewer wired when no external capability is
// configured; it clears everything.
type AutoApprove struct{}

func (AutoApprove) Review(ctx context.Context, executionId string, step model.StepDef, payload map[string]any) (Result, error) {
	return Result{Status: STATUS_APPROVED}, nil
}
