// Package event is the engine's outbound collaborator boundary. The engine
// emits; it never reads collaborator state back.
package event

import (
	"time"

	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

// Notifier is the external notification scheduler and magic-link boundary.
// Activation events carry the due date the scheduler owns reminders for;
// reassignment events are what triggers access token reissue for external
// contacts.
type Notifier interface {
	OnStepActivated(exec model.StepExecution, run model.FlowRun)
	OnStepCompleted(exec model.StepExecution, run model.FlowRun)
	OnRunCompleted(run model.FlowRun)
	OnRunCancelled(run model.FlowRun, skippedStepIds []string)
	OnStepReassigned(exec model.StepExecution, run model.FlowRun, previous *model.Identity)
}

// AuditRecord is one state transition. Delivery is fire and forget; a sink
// failure never rolls back the transition it describes.
type AuditRecord struct {
	RunId   string          `json:"runId"`
	Action  string          `json:"action"`
	StepIds []string        `json:"stepIds,omitempty"`
	Actor   *model.Identity `json:"actor,omitempty"`
	At      time.Time       `json:"at"`
	Detail  map[string]any  `json:"detail,omitempty"`
}

type AuditSink interface {
	Record(rec AuditRecord)
}
