// Package persistence defines the storage boundary of the engine. The
// logical layout is one run row plus step execution rows keyed by step
// index; group assignees live on their execution.
package persistence

import (
	"context"

	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

// RunState is the full state of one run, loaded and committed as a unit.
type RunState struct {
	Run        model.FlowRun          `json:"run"`
	Executions []model.StepExecution  `json:"executions"`
}

// Execution finds an execution by its step id.
func (s *RunState) Execution(stepId string) *model.StepExecution {
	for i := range s.Executions {
		if s.Executions[i].StepId == stepId {
			return &s.Executions[i]
		}
	}
	return nil
}

// ExecutionAt finds an execution by step index.
func (s *RunState) ExecutionAt(index int) *model.StepExecution {
	for i := range s.Executions {
		if s.Executions[i].StepIndex == index {
			return &s.Executions[i]
		}
	}
	return nil
}

// Storage owns run state. Transact is the engine's only mutation path: fn
// receives the current state and every change it makes commits atomically,
// serialized against other writers of the same run. Implementations back
// this with a per-run lock or an optimistic compare-and-swap; a lost swap
// after retries surfaces as model.TransientError.
type Storage interface {
	CreateRun(ctx context.Context, state *RunState) error
	GetRun(ctx context.Context, runId string) (*RunState, error)
	Transact(ctx context.Context, runId string, fn func(state *RunState) error) error
	// NextRotation increments and returns the durable round-robin cursor
	// for a definition role.
	NextRotation(ctx context.Context, definition string, role string) (int64, error)
}

// DefinitionStorage owns flow definitions.
type DefinitionStorage interface {
	SaveDefinition(ctx context.Context, def model.FlowDefinition) error
	GetDefinition(ctx context.Context, name string) (*model.FlowDefinition, error)
	DeleteDefinition(ctx context.Context, name string) error
}
