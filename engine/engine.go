// Package engine advances flow runs: it materializes step executions at run
// start and reconciles completions, consensus, review gating and branching
// into a single forward-progressing state machine.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mukund-aria/ai-flow-saas-sub001/assign"
	"github.com/mukund-aria/ai-flow-saas-sub001/consensus"
	"github.com/mukund-aria/ai-flow-saas-sub001/duedate"
	"github.com/mukund-aria/ai-flow-saas-sub001/event"
	"github.com/mukund-aria/ai-flow-saas-sub001/flow"
	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
	"github.com/mukund-aria/ai-flow-saas-sub001/metadata"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
	"github.com/mukund-aria/ai-flow-saas-sub001/persistence"
	"github.com/mukund-aria/ai-flow-saas-sub001/review"
	"github.com/mukund-aria/ai-flow-saas-sub001/util"
)

// maxSubFlowDepth bounds sub-flow nesting. Definition cycles across names
// can not be detected at save time, so the runtime refuses to start a child
// past this depth.
const maxSubFlowDepth = 8

type Engine struct {
	storage     persistence.Storage
	definitions metadata.Service
	resolver    *assign.Resolver
	gate        *review.Gate
	notifier    event.Notifier
	audit       event.AuditSink
	dispatcher  *event.Dispatcher
	now         func() time.Time
}

func New(storage persistence.Storage, definitions metadata.Service, resolver *assign.Resolver, gate *review.Gate, notifier event.Notifier, audit event.AuditSink, dispatcher *event.Dispatcher) *Engine {
	return &Engine{
		storage:     storage,
		definitions: definitions,
		resolver:    resolver,
		gate:        gate,
		notifier:    notifier,
		audit:       audit,
		dispatcher:  dispatcher,
		now:         time.Now,
	}
}

// WithClock overrides the engine clock, used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// StartRun resolves assignees, computes the run due date, materializes one
// execution per step and activates the start set.
func (e *Engine) StartRun(ctx context.Context, req model.RunStartRequest) (*model.FlowRun, error) {
	graph, err := e.definitions.GetGraph(ctx, req.DefinitionName)
	if err != nil {
		return nil, err
	}
	def := graph.Definition
	if !def.Published && !req.IsTest {
		return nil, model.StateError{Op: "startRun", Current: "definition not published"}
	}
	if req.Starter.IsZero() {
		return nil, model.ValidationError{Reason: "run start requires an explicit starter identity"}
	}
	if req.SubFlowDepth > maxSubFlowDepth {
		return nil, model.ValidationError{Reason: fmt.Sprintf("sub-flow nesting of %s exceeds depth %d", def.Name, maxSubFlowDepth)}
	}

	roles, warnings := e.resolver.Resolve(ctx, def, assign.Context{
		OrgId:        req.OrgId,
		Starter:      req.Starter,
		Overrides:    req.RoleOverrides,
		KickoffInput: req.KickoffInput,
		Variables:    req.Variables,
	})

	now := e.now()
	run := model.FlowRun{
		Id:                uuid.New().String(),
		OrgId:             req.OrgId,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Status:            model.RUN_IN_PROGRESS,
		Starter:           req.Starter,
		StartedAt:         now,
		DueAt:             duedate.Calc(def.Due, now, nil),
		Roles:             roles,
		KickoffInput:      req.KickoffInput,
		Variables:         req.Variables,
		ParentRunId:       req.ParentRunId,
		SubFlowDepth:      req.SubFlowDepth,
		IsTest:            req.IsTest,
		Warnings:          warnings,
	}
	state := &persistence.RunState{Run: run}
	for _, step := range graph.Steps {
		state.Executions = append(state.Executions, e.materialize(&state.Run, step, roles))
	}

	var activated []model.StepExecution
	for _, idx := range graph.StartSet() {
		exec := state.ExecutionAt(idx)
		e.activate(graph, &state.Run, exec, now)
		activated = append(activated, *exec)
	}
	state.Run.CurrentStepIndex = firstActiveIndex(state)

	if err := e.storage.CreateRun(ctx, state); err != nil {
		return nil, err
	}
	logger.Info("run started", zap.String("runId", run.Id), zap.String("definition", def.Name), zap.Int("steps", len(state.Executions)))

	e.startChildRuns(ctx, graph, &state.Run, activated)
	e.emitActivation(state.Run, activated)
	e.emitAudit(event.AuditRecord{
		RunId:   run.Id,
		Action:  "run_started",
		StepIds: stepIds(activated),
		Actor:   &state.Run.Starter,
		At:      now,
	})
	started := state.Run
	return &started, nil
}

// CompleteStep applies one completion attempt. The review gate runs before
// the storage transaction; all state mutation, consensus evaluation and the
// navigator's join check happen inside it, so two racing completions of the
// same execution resolve to one success and one StateError.
func (e *Engine) CompleteStep(ctx context.Context, runId string, stepId string, payload map[string]any, actor model.Identity) (*model.StepCompletionResult, error) {
	pre, err := e.storage.GetRun(ctx, runId)
	if err != nil {
		return nil, err
	}
	exec := pre.Execution(stepId)
	if exec == nil {
		return nil, model.NotFoundError{Kind: "step", Id: stepId}
	}
	if err := guardCompletable(&pre.Run, exec); err != nil {
		return nil, err
	}
	graph, err := e.definitions.GetGraph(ctx, pre.Run.DefinitionName)
	if err != nil {
		return nil, err
	}
	step := graph.StepByIndex(exec.StepIndex)

	// Once the configured revision limit is spent the submission stands as
	// is; the reviewer is not consulted again.
	decision := review.Decision{Cleared: true}
	if !revisionLimitReached(exec, step.Def) {
		decision, err = e.gate.Evaluate(ctx, exec, step.Def, payload)
		if err != nil {
			return nil, err
		}
	}
	if err := e.recordClearedHash(ctx, runId, stepId, step.Def, exec, decision); err != nil {
		return nil, err
	}

	result := &model.StepCompletionResult{}
	var completed model.StepExecution
	var activated []model.StepExecution
	var runAfter model.FlowRun
	now := e.now()

	err = e.storage.Transact(ctx, runId, func(state *persistence.RunState) error {
		exec := state.Execution(stepId)
		if exec == nil {
			return model.NotFoundError{Kind: "step", Id: stepId}
		}
		if err := guardCompletable(&state.Run, exec); err != nil {
			return err
		}

		if !decision.Cleared {
			if exec.Result == nil {
				exec.Result = make(map[string]any)
			}
			exec.Result[model.KEY_AWAITING_REVIEW] = true
			exec.Result[model.KEY_AI_DRAFT] = util.CopyMap(payload)
			exec.Result[model.KEY_REVIEW_FEEDBACK] = decision.Feedback
			exec.Result[model.KEY_REVIEW_ISSUES] = decision.Issues
			exec.Result[model.KEY_REVISION_COUNT] = revisionCount(exec) + 1
			exec.Status = model.STEP_IN_PROGRESS
			exec.CompletedAt = nil
			result.RevisionRequested = true
			result.Feedback = decision.Feedback
			completed = *exec
			runAfter = state.Run
			return nil
		}

		// Route by the definition, not the materialized member list: a
		// group step whose members are still being assigned must not fall
		// through to the single-assignee path.
		if step.Def.Group != nil {
			res, err := consensus.Apply(exec, actor, payload, step.Def.Group.CompletionMode, now)
			if err != nil {
				return err
			}
			if !res.Satisfied {
				result.Partial = true
				completed = *exec
				runAfter = state.Run
				return nil
			}
			exec.Result = consensus.Merged(exec)
		} else {
			merged := util.CopyMap(payload)
			if merged == nil {
				merged = make(map[string]any)
			}
			exec.Result = merged
		}

		delete(exec.Result, model.KEY_AWAITING_REVIEW)
		delete(exec.Result, model.KEY_AI_DRAFT)
		if len(decision.PayloadHash) > 0 {
			exec.Result[model.KEY_REVIEWED_HASH] = decision.PayloadHash
		}
		exec.Status = model.STEP_COMPLETED
		exec.CompletedAt = &now
		completed = *exec

		next, err := flow.Next(graph, state.Executions, exec.StepIndex, exec.Result)
		if err != nil {
			return err
		}
		for _, idx := range next {
			target := state.ExecutionAt(idx)
			if target == nil || target.Status != model.STEP_PENDING {
				continue
			}
			e.activate(graph, &state.Run, target, now)
			activated = append(activated, *target)
		}
		result.Advanced = true
		result.NextStepIds = stepIds(activated)

		if !anyActive(state) {
			state.Run.Status = model.RUN_COMPLETED
			state.Run.CompletedAt = &now
			result.RunCompleted = true
		}
		state.Run.CurrentStepIndex = firstActiveIndex(state)
		runAfter = state.Run
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.afterCompletion(ctx, graph, runAfter, completed, activated, result, actor, now)
	return result, nil
}

func (e *Engine) afterCompletion(ctx context.Context, graph *flow.Graph, run model.FlowRun, completed model.StepExecution, activated []model.StepExecution, result *model.StepCompletionResult, actor model.Identity, now time.Time) {
	if result.RevisionRequested {
		e.emitAudit(event.AuditRecord{RunId: run.Id, Action: "revision_requested", StepIds: []string{completed.StepId}, Actor: actorPtr(actor), At: now})
		return
	}
	if result.Partial {
		e.emitAudit(event.AuditRecord{RunId: run.Id, Action: "group_member_completed", StepIds: []string{completed.StepId}, Actor: actorPtr(actor), At: now})
		return
	}
	e.startChildRuns(ctx, graph, &run, activated)
	e.dispatcher.Post(func() { e.notifier.OnStepCompleted(completed, run) })
	e.emitActivation(run, activated)
	e.emitAudit(event.AuditRecord{RunId: run.Id, Action: "step_completed", StepIds: []string{completed.StepId}, Actor: actorPtr(actor), At: now})
	if result.RunCompleted {
		e.dispatcher.Post(func() { e.notifier.OnRunCompleted(run) })
		e.emitAudit(event.AuditRecord{RunId: run.Id, Action: "run_completed", At: now})
	}
}

// CancelRun force-skips every non-terminal execution and terminates the
// run in one atomic transition.
func (e *Engine) CancelRun(ctx context.Context, runId string, actor model.Identity) (*model.RunCancelResult, error) {
	result := &model.RunCancelResult{}
	var runAfter model.FlowRun
	now := e.now()
	err := e.storage.Transact(ctx, runId, func(state *persistence.RunState) error {
		if state.Run.Status != model.RUN_IN_PROGRESS {
			return model.StateError{Op: "cancelRun", Current: string(state.Run.Status)}
		}
		for i := range state.Executions {
			exec := &state.Executions[i]
			if exec.Status.Terminal() {
				continue
			}
			exec.Status = model.STEP_SKIPPED
			exec.CompletedAt = &now
			result.SkippedStepIds = append(result.SkippedStepIds, exec.StepId)
		}
		state.Run.Status = model.RUN_CANCELLED
		state.Run.CompletedAt = &now
		runAfter = state.Run
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("run cancelled", zap.String("runId", runId), zap.Int("skipped", len(result.SkippedStepIds)))
	skipped := append([]string{}, result.SkippedStepIds...)
	e.dispatcher.Post(func() { e.notifier.OnRunCancelled(runAfter, skipped) })
	e.emitAudit(event.AuditRecord{RunId: runId, Action: "run_cancelled", StepIds: skipped, Actor: actorPtr(actor), At: now})
	return result, nil
}

// ReassignStep swaps the assignee of a non-terminal execution. Promoting a
// waiting execution to in progress happens here; the notifier reacts by
// rotating any outstanding access token.
func (e *Engine) ReassignStep(ctx context.Context, runId string, stepId string, newIdentity model.Identity, actor model.Identity) error {
	if newIdentity.IsZero() {
		return model.ValidationError{Reason: "reassignment requires an identity"}
	}
	pre, err := e.storage.GetRun(ctx, runId)
	if err != nil {
		return err
	}
	graph, err := e.definitions.GetGraph(ctx, pre.Run.DefinitionName)
	if err != nil {
		return err
	}
	var reassigned model.StepExecution
	var previous *model.Identity
	var runAfter model.FlowRun
	var active bool
	now := e.now()
	err = e.storage.Transact(ctx, runId, func(state *persistence.RunState) error {
		exec := state.Execution(stepId)
		if exec == nil {
			return model.NotFoundError{Kind: "step", Id: stepId}
		}
		if exec.Status.Terminal() {
			return model.StateError{Op: "reassignStep", Current: string(exec.Status)}
		}
		if state.Run.Status != model.RUN_IN_PROGRESS {
			return model.StateError{Op: "reassignStep", Current: string(state.Run.Status)}
		}
		identity := newIdentity
		if graph.StepByIndex(exec.StepIndex).Def.Group != nil {
			// On a group step the identity joins the member list instead
			// of displacing anyone.
			if !isGroupMember(exec, identity) {
				exec.Group = append(exec.Group, model.GroupAssignee{
					ExecutionId: exec.Id,
					Identity:    identity,
					Status:      model.GROUP_MEMBER_PENDING,
				})
			}
		} else {
			previous = exec.Assignee
			exec.Assignee = &identity
		}
		if exec.Status == model.STEP_WAITING_FOR_ASSIGNEE {
			exec.Status = model.STEP_IN_PROGRESS
		}
		active = exec.Status.Active()
		reassigned = *exec
		state.Run.CurrentStepIndex = firstActiveIndex(state)
		runAfter = state.Run
		return nil
	})
	if err != nil {
		return err
	}
	if active {
		e.dispatcher.Post(func() { e.notifier.OnStepReassigned(reassigned, runAfter, previous) })
	}
	e.emitAudit(event.AuditRecord{RunId: runId, Action: "step_reassigned", StepIds: []string{stepId}, Actor: actorPtr(actor), At: now})
	return nil
}

// GetRun returns the run, its executions and derived milestone progress.
func (e *Engine) GetRun(ctx context.Context, runId string) (*persistence.RunState, []model.MilestoneProgress, error) {
	state, err := e.storage.GetRun(ctx, runId)
	if err != nil {
		return nil, nil, err
	}
	graph, err := e.definitions.GetGraph(ctx, state.Run.DefinitionName)
	if err != nil {
		return state, nil, nil
	}
	return state, flow.MilestoneProgress(graph, state.Executions), nil
}

func (e *Engine) materialize(run *model.FlowRun, step *flow.Step, roles map[string]model.Identity) model.StepExecution {
	exec := model.StepExecution{
		Id:            uuid.New().String(),
		RunId:         run.Id,
		StepId:        step.Def.Id,
		StepIndex:     step.Index,
		Status:        model.STEP_PENDING,
		BranchPath:    step.Def.BranchPath,
		ParallelGroup: step.Def.ParallelGroup,
	}
	if step.Def.Group != nil {
		for _, role := range step.Def.Group.Roles {
			identity, ok := roles[role]
			if !ok {
				continue
			}
			exec.Group = append(exec.Group, model.GroupAssignee{
				ExecutionId: exec.Id,
				Identity:    identity,
				Status:      model.GROUP_MEMBER_PENDING,
			})
		}
	} else if len(step.Def.Role) > 0 {
		if identity, ok := roles[step.Def.Role]; ok {
			exec.Assignee = &identity
		}
	}
	return exec
}

func (e *Engine) activate(graph *flow.Graph, run *model.FlowRun, exec *model.StepExecution, now time.Time) {
	step := graph.StepByIndex(exec.StepIndex)
	exec.StartedAt = &now
	exec.DueAt = duedate.Calc(step.Def.Due, now, run.DueAt)
	switch {
	case step.Def.Group != nil:
		// A group step with no resolved members has nobody to collect
		// completions from; it waits like any other unassigned step.
		if len(exec.Group) > 0 {
			exec.Status = model.STEP_IN_PROGRESS
		} else {
			exec.Status = model.STEP_WAITING_FOR_ASSIGNEE
		}
	case exec.Assignee != nil || len(step.Def.Role) == 0:
		exec.Status = model.STEP_IN_PROGRESS
	default:
		exec.Status = model.STEP_WAITING_FOR_ASSIGNEE
	}
}

// startChildRuns starts nested runs for activated sub-flow steps. The
// linkage is fire and forget: the parent step completes on its own and the
// child run only records its parentage.
func (e *Engine) startChildRuns(ctx context.Context, graph *flow.Graph, run *model.FlowRun, activated []model.StepExecution) {
	for _, exec := range activated {
		step := graph.StepByIndex(exec.StepIndex)
		if step.Def.Type != model.STEP_TYPE_SUB_FLOW {
			continue
		}
		child, err := e.StartRun(ctx, model.RunStartRequest{
			DefinitionName: step.Def.SubFlow,
			OrgId:          run.OrgId,
			Starter:        run.Starter,
			KickoffInput:   run.KickoffInput,
			Variables:      run.Variables,
			IsTest:         run.IsTest,
			ParentRunId:    run.Id,
			SubFlowDepth:   run.SubFlowDepth + 1,
		})
		if err != nil {
			logger.Error("sub-flow start failed", zap.String("runId", run.Id), zap.String("stepId", exec.StepId), zap.String("definition", step.Def.SubFlow), zap.Error(err))
			continue
		}
		stepId := exec.StepId
		err = e.storage.Transact(ctx, run.Id, func(state *persistence.RunState) error {
			parent := state.Execution(stepId)
			if parent == nil {
				return nil
			}
			if parent.Result == nil {
				parent.Result = make(map[string]any)
			}
			parent.Result[model.KEY_CHILD_RUN] = child.Id
			return nil
		})
		if err != nil {
			logger.Error("sub-flow link failed", zap.String("runId", run.Id), zap.String("childRunId", child.Id), zap.Error(err))
		}
		e.emitAudit(event.AuditRecord{
			RunId:   run.Id,
			Action:  "subflow_started",
			StepIds: []string{stepId},
			At:      e.now(),
			Detail:  map[string]any{"childRunId": child.Id},
		})
	}
}

func (e *Engine) emitActivation(run model.FlowRun, activated []model.StepExecution) {
	for _, exec := range activated {
		exec := exec
		e.dispatcher.Post(func() { e.notifier.OnStepActivated(exec, run) })
	}
}

func (e *Engine) emitAudit(rec event.AuditRecord) {
	e.dispatcher.Post(func() { e.audit.Record(rec) })
}

func isGroupMember(exec *model.StepExecution, identity model.Identity) bool {
	for _, m := range exec.Group {
		if m.Identity.Key() == identity.Key() {
			return true
		}
	}
	return false
}

// revisionCount tolerates both the int written in-process and the float64
// the value becomes after a json round trip through storage.
func revisionCount(exec *model.StepExecution) int {
	switch v := exec.Result[model.KEY_REVISION_COUNT].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func revisionLimitReached(exec *model.StepExecution, def model.StepDef) bool {
	if def.Review == nil || def.Review.MaxRevisions <= 0 {
		return false
	}
	return revisionCount(exec) >= def.Review.MaxRevisions
}

// recordClearedHash persists the hash of a cleared payload before the
// completion commit. If the commit fails and the caller retries, the stored
// hash lets the gate skip a second reviewer round for the same payload.
func (e *Engine) recordClearedHash(ctx context.Context, runId string, stepId string, def model.StepDef, pre *model.StepExecution, decision review.Decision) error {
	if def.Review == nil || !decision.Cleared || len(decision.PayloadHash) == 0 {
		return nil
	}
	if pre.Result != nil && pre.Result[model.KEY_REVIEWED_HASH] == decision.PayloadHash {
		return nil
	}
	return e.storage.Transact(ctx, runId, func(state *persistence.RunState) error {
		exec := state.Execution(stepId)
		if exec == nil || exec.Status.Terminal() {
			return nil
		}
		if exec.Result == nil {
			exec.Result = make(map[string]any)
		}
		exec.Result[model.KEY_REVIEWED_HASH] = decision.PayloadHash
		return nil
	})
}

func guardCompletable(run *model.FlowRun, exec *model.StepExecution) error {
	if run.Status != model.RUN_IN_PROGRESS {
		return model.StateError{Op: "completeStep", Current: string(run.Status)}
	}
	if !exec.Status.Active() {
		return model.StateError{Op: "completeStep", Current: string(exec.Status)}
	}
	return nil
}

func anyActive(state *persistence.RunState) bool {
	for _, exec := range state.Executions {
		if exec.Status.Active() {
			return true
		}
	}
	return false
}

func firstActiveIndex(state *persistence.RunState) int {
	for _, exec := range state.Executions {
		if exec.Status.Active() {
			return exec.StepIndex
		}
	}
	return len(state.Executions)
}

func stepIds(execs []model.StepExecution) []string {
	var ids []string
	for _, exec := range execs {
		ids = append(ids, exec.StepId)
	}
	return ids
}

func actorPtr(actor model.Identity) *model.Identity {
	if actor.IsZero() {
		return nil
	}
	return &actor
}
