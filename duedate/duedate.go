// Package duedate converts relative due specs into absolute deadlines.
package duedate

import (
	"time"

	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

// Offset returns the duration a spec's value/unit pair represents. Unknown
// units yield zero; validation rejects them before a run ever starts.
func Offset(spec model.DueSpec) time.Duration {
	switch spec.Unit {
	case model.DUE_UNIT_MINUTES:
		return time.Duration(spec.Value) * time.Minute
	case model.DUE_UNIT_HOURS:
		return time.Duration(spec.Value) * time.Hour
	case model.DUE_UNIT_DAYS:
		return time.Duration(spec.Value) * 24 * time.Hour
	}
	return 0
}

// Calc computes the absolute due date for a spec. Forward specs anchor on
// the given timestamp (run start or step activation). BeforeFlowDue specs
// subtract the offset from the run's due date; a run with no due date gives
// such steps no due date, which is not an error.
func Calc(spec *model.DueSpec, anchor time.Time, flowDue *time.Time) *time.Time {
	if spec == nil {
		return nil
	}
	if spec.BeforeFlowDue {
		if flowDue == nil {
			return nil
		}
		due := flowDue.Add(-Offset(*spec))
		return &due
	}
	due := anchor.Add(Offset(*spec))
	return &due
}
