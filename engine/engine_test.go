package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mukund-aria/ai-flow-saas-sub001/assign"
	"github.com/mukund-aria/ai-flow-saas-sub001/event"
	"github.com/mukund-aria/ai-flow-saas-sub001/metadata"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
	"github.com/mukund-aria/ai-flow-saas-sub001/persistence"
	"github.com/mukund-aria/ai-flow-saas-sub001/persistence/inmem"
	"github.com/mukund-aria/ai-flow-saas-sub001/review"
)

var testClock = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu           sync.Mutex
	activated    []string
	completed    []string
	reassigned   []string
	runCompleted bool
	cancelled    bool
	skipped      []string
}

func (n *recordingNotifier) OnStepActivated(exec model.StepExecution, run model.FlowRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activated = append(n.activated, exec.StepId)
}

func (n *recordingNotifier) OnStepCompleted(exec model.StepExecution, run model.FlowRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, exec.StepId)
}

func (n *recordingNotifier) OnRunCompleted(run model.FlowRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runCompleted = true
}

func (n *recordingNotifier) OnRunCancelled(run model.FlowRun, skippedStepIds []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = true
	n.skipped = skippedStepIds
}

func (n *recordingNotifier) OnStepReassigned(exec model.StepExecution, run model.FlowRun, previous *model.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reassigned = append(n.reassigned, exec.StepId)
}

type recordingAudit struct {
	mu      sync.Mutex
	records []event.AuditRecord
}

func (a *recordingAudit) Record(rec event.AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, r := range a.records {
		out = append(out, r.Action)
	}
	return out
}

// seqReviewer plays back scripted verdicts, then approves everything.
type seqReviewer struct {
	mu      sync.Mutex
	results []review.Result
	calls   int
}

func (s *seqReviewer) Review(ctx context.Context, executionId string, step model.StepDef, payload map[string]any) (review.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return review.Result{Status: review.STATUS_APPROVED}, nil
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res, nil
}

type fixture struct {
	engine   *Engine
	storage  *inmem.Storage
	notifier *recordingNotifier
	audit    *recordingAudit
}

func newFixture(t *testing.T, reviewer review.Reviewer, defs ...model.FlowDefinition) *fixture {
	t.Helper()
	storage := inmem.NewStorage()
	svc := metadata.NewService(storage)
	for _, def := range defs {
		require.NoError(t, svc.SaveDefinition(context.Background(), def))
	}
	if reviewer == nil {
		reviewer = review.AutoApprove{}
	}
	notifier := &recordingNotifier{}
	audit := &recordingAudit{}
	var wg sync.WaitGroup
	// An unstarted dispatcher delivers inline, keeping assertions
	// deterministic.
	dispatcher := event.NewDispatcher("test", &wg, 16)
	eng := New(storage, svc, assign.NewResolver(storage), review.NewGate(reviewer, time.Second), notifier, audit, dispatcher).
		WithClock(func() time.Time { return testClock })
	return &fixture{engine: eng, storage: storage, notifier: notifier, audit: audit}
}

func (f *fixture) start(t *testing.T, definition string) *model.FlowRun {
	t.Helper()
	run, err := f.engine.StartRun(context.Background(), model.RunStartRequest{
		DefinitionName: definition,
		OrgId:          "org1",
		Starter:        user("starter"),
	})
	require.NoError(t, err)
	return run
}

func (f *fixture) status(t *testing.T, runId string, stepId string) model.StepStatus {
	t.Helper()
	state, err := f.storage.GetRun(context.Background(), runId)
	require.NoError(t, err)
	exec := state.Execution(stepId)
	require.NotNil(t, exec)
	return exec.Status
}

func user(id string) model.Identity {
	return model.Identity{Kind: model.IDENTITY_KIND_USER, Id: id}
}

func fixedRole(name string, id string) model.RolePlaceholder {
	identity := user(id)
	return model.RolePlaceholder{Name: name, Strategy: model.ROLE_STRATEGY_FIXED_CONTACT, Identity: &identity}
}

func linearDefinition() model.FlowDefinition {
	return model.FlowDefinition{
		Name: "linear", Version: 1, Published: true,
		Roles: []model.RolePlaceholder{fixedRole("owner", "u-owner")},
		Steps: []model.StepDef{
			{Id: "a", Type: model.STEP_TYPE_TASK, Role: "owner"},
			{Id: "b", Type: model.STEP_TYPE_TASK, Role: "owner"},
			{Id: "c", Type: model.STEP_TYPE_TASK, Role: "owner"},
		},
	}
}

func branchDefinition() model.FlowDefinition {
	return model.FlowDefinition{
		Name: "intake", Version: 1, Published: true,
		Roles: []model.RolePlaceholder{fixedRole("owner", "u-owner")},
		Steps: []model.StepDef{
			{Id: "form", Type: model.STEP_TYPE_FORM, Role: "owner"},
			{Id: "approval", Type: model.STEP_TYPE_APPROVAL, Role: "owner", Outcomes: map[string]string{"approved": "pathC", "rejected": "pathD"}},
			{Id: "stepC", Type: model.STEP_TYPE_TASK, Role: "owner", BranchPath: "pathC"},
			{Id: "stepD", Type: model.STEP_TYPE_TASK, Role: "owner", BranchPath: "pathD"},
		},
	}
}

func parallelDefinition() model.FlowDefinition {
	return model.FlowDefinition{
		Name: "fanout", Version: 1, Published: true,
		Roles: []model.RolePlaceholder{fixedRole("owner", "u-owner")},
		Steps: []model.StepDef{
			{Id: "kick", Type: model.STEP_TYPE_TASK, Role: "owner"},
			{Id: "a1", Type: model.STEP_TYPE_TASK, Role: "owner", BranchPath: "laneA", ParallelGroup: "pg1"},
			{Id: "a2", Type: model.STEP_TYPE_TASK, Role: "owner", BranchPath: "laneA", ParallelGroup: "pg1"},
			{Id: "b1", Type: model.STEP_TYPE_TASK, Role: "owner", BranchPath: "laneB", ParallelGroup: "pg1"},
			{Id: "join", Type: model.STEP_TYPE_TASK, Role: "owner"},
		},
	}
}

func groupDefinition(mode model.CompletionMode) model.FlowDefinition {
	return model.FlowDefinition{
		Name: "signoff", Version: 1, Published: true,
		Roles: []model.RolePlaceholder{
			fixedRole("m1", "u1"), fixedRole("m2", "u2"), fixedRole("m3", "u3"),
		},
		Steps: []model.StepDef{
			{Id: "sign", Type: model.STEP_TYPE_APPROVAL, Group: &model.GroupConfig{Roles: []string{"m1", "m2", "m3"}, CompletionMode: mode}},
			{Id: "file", Type: model.STEP_TYPE_TASK, Role: "m1"},
		},
	}
}

func reviewDefinition() model.FlowDefinition {
	return model.FlowDefinition{
		Name: "drafting", Version: 1, Published: true,
		Roles: []model.RolePlaceholder{fixedRole("owner", "u-owner")},
		Steps: []model.StepDef{
			{Id: "draft", Type: model.STEP_TYPE_AI_TASK, Role: "owner", Review: &model.ReviewConfig{Criteria: []string{"tone"}}},
			{Id: "publish", Type: model.STEP_TYPE_TASK, Role: "owner"},
		},
	}
}

func TestStartRunActivatesFirstStep(t *testing.T) {
	f := newFixture(t, nil, linearDefinition())
	run := f.start(t, "linear")

	require.Equal(t, model.RUN_IN_PROGRESS, run.Status)
	require.Equal(t, testClock, run.StartedAt)
	require.Equal(t, 0, run.CurrentStepIndex)
	require.Equal(t, user("u-owner"), run.Roles["owner"])

	state, err := f.storage.GetRun(context.Background(), run.Id)
	require.NoError(t, err)
	require.Len(t, state.Executions, 3)
	require.Equal(t, model.STEP_IN_PROGRESS, state.Executions[0].Status)
	require.Equal(t, user("u-owner"), *state.Executions[0].Assignee)
	require.Equal(t, model.STEP_PENDING, state.Executions[1].Status)
	require.Equal(t, model.STEP_PENDING, state.Executions[2].Status)

	require.Equal(t, []string{"a"}, f.notifier.activated)
	require.Equal(t, []string{"run_started"}, f.audit.actions())
}

func TestStartRunUnpublishedDefinition(t *testing.T) {
	def := linearDefinition()
	def.Published = false
	f := newFixture(t, nil, def)

	_, err := f.engine.StartRun(context.Background(), model.RunStartRequest{
		DefinitionName: "linear", Starter: user("starter"),
	})
	require.IsType(t, model.StateError{}, err)

	// Test runs bypass the publication check.
	run, err := f.engine.StartRun(context.Background(), model.RunStartRequest{
		DefinitionName: "linear", Starter: user("starter"), IsTest: true,
	})
	require.NoError(t, err)
	require.True(t, run.IsTest)
}

func TestStartRunRequiresStarter(t *testing.T) {
	f := newFixture(t, nil, linearDefinition())
	_, err := f.engine.StartRun(context.Background(), model.RunStartRequest{DefinitionName: "linear"})
	require.IsType(t, model.ValidationError{}, err)
}

func TestStartRunUnresolvedRoleWaits(t *testing.T) {
	def := model.FlowDefinition{
		Name: "manual", Version: 1, Published: true,
		Roles: []model.RolePlaceholder{{Name: "helper", Strategy: model.ROLE_STRATEGY_MANUAL}},
		Steps: []model.StepDef{{Id: "solo", Type: model.STEP_TYPE_TASK, Role: "helper"}},
	}
	f := newFixture(t, nil, def)
	run := f.start(t, "manual")

	require.Len(t, run.Warnings, 1)
	require.Equal(t, model.STEP_WAITING_FOR_ASSIGNEE, f.status(t, run.Id, "solo"))
}

func TestStartRunComputesDueDates(t *testing.T) {
	def := linearDefinition()
	def.Due = &model.DueSpec{Value: 2, Unit: model.DUE_UNIT_DAYS}
	def.Steps[0].Due = &model.DueSpec{Value: 4, Unit: model.DUE_UNIT_HOURS}
	def.Steps[1].Due = &model.DueSpec{Value: 6, Unit: model.DUE_UNIT_HOURS, BeforeFlowDue: true}
	f := newFixture(t, nil, def)
	run := f.start(t, "linear")

	require.NotNil(t, run.DueAt)
	require.Equal(t, testClock.Add(48*time.Hour), *run.DueAt)

	state, err := f.storage.GetRun(context.Background(), run.Id)
	require.NoError(t, err)
	require.Equal(t, testClock.Add(4*time.Hour), *state.Executions[0].DueAt)

	// Step b activates on completion of a and anchors backwards from the
	// run due date.
	_, err = f.engine.CompleteStep(context.Background(), run.Id, "a", nil, user("u-owner"))
	require.NoError(t, err)
	state, err = f.storage.GetRun(context.Background(), run.Id)
	require.NoError(t, err)
	require.Equal(t, testClock.Add(42*time.Hour), *state.Executions[1].DueAt)
}

func TestCompleteStepLinearProgression(t *testing.T) {
	f := newFixture(t, nil, linearDefinition())
	run := f.start(t, "linear")
	ctx := context.Background()

	res, err := f.engine.CompleteStep(ctx, run.Id, "a", map[string]any{"note": "done"}, user("u-owner"))
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, []string{"b"}, res.NextStepIds)
	require.False(t, res.RunCompleted)
	require.Equal(t, model.STEP_COMPLETED, f.status(t, run.Id, "a"))
	require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "b"))

	_, err = f.engine.CompleteStep(ctx, run.Id, "b", nil, user("u-owner"))
	require.NoError(t, err)

	res, err = f.engine.CompleteStep(ctx, run.Id, "c", nil, user("u-owner"))
	require.NoError(t, err)
	require.True(t, res.RunCompleted)
	require.Empty(t, res.NextStepIds)

	state, err := f.storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, model.RUN_COMPLETED, state.Run.Status)
	require.NotNil(t, state.Run.CompletedAt)
	require.True(t, f.notifier.runCompleted)
	require.Contains(t, f.audit.actions(), "run_completed")
}

func TestCompleteStepGuards(t *testing.T) {
	f := newFixture(t, nil, linearDefinition())
	run := f.start(t, "linear")
	ctx := context.Background()

	// Pending steps are not completable.
	_, err := f.engine.CompleteStep(ctx, run.Id, "b", nil, user("u-owner"))
	require.IsType(t, model.StateError{}, err)

	// Unknown step.
	_, err = f.engine.CompleteStep(ctx, run.Id, "ghost", nil, user("u-owner"))
	require.IsType(t, model.NotFoundError{}, err)

	// Double completion.
	_, err = f.engine.CompleteStep(ctx, run.Id, "a", nil, user("u-owner"))
	require.NoError(t, err)
	_, err = f.engine.CompleteStep(ctx, run.Id, "a", nil, user("u-owner"))
	require.IsType(t, model.StateError{}, err)
}

func TestCompleteStepConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, nil, linearDefinition())
	run := f.start(t, "linear")

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.engine.CompleteStep(context.Background(), run.Id, "a", nil, user("u-owner"))
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.IsType(t, model.StateError{}, err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "b"))
}

func TestBranchExclusivity(t *testing.T) {
	f := newFixture(t, nil, branchDefinition())
	run := f.start(t, "intake")
	ctx := context.Background()

	_, err := f.engine.CompleteStep(ctx, run.Id, "form", map[string]any{"field": "v"}, user("u-owner"))
	require.NoError(t, err)
	require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "approval"))

	res, err := f.engine.CompleteStep(ctx, run.Id, "approval", map[string]any{"decision": "approved"}, user("u-owner"))
	require.NoError(t, err)
	require.Equal(t, []string{"stepC"}, res.NextStepIds)
	require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "stepC"))
	require.Equal(t, model.STEP_PENDING, f.status(t, run.Id, "stepD"))

	// The untaken branch never blocks completion of the run.
	res, err = f.engine.CompleteStep(ctx, run.Id, "stepC", nil, user("u-owner"))
	require.NoError(t, err)
	require.True(t, res.RunCompleted)
	require.Equal(t, model.STEP_PENDING, f.status(t, run.Id, "stepD"))
}

func TestBranchUnknownOutcomeRollsBack(t *testing.T) {
	f := newFixture(t, nil, branchDefinition())
	run := f.start(t, "intake")
	ctx := context.Background()

	_, err := f.engine.CompleteStep(ctx, run.Id, "form", nil, user("u-owner"))
	require.NoError(t, err)

	_, err = f.engine.CompleteStep(ctx, run.Id, "approval", map[string]any{"decision": "maybe"}, user("u-owner"))
	require.IsType(t, model.ValidationError{}, err)
	// The failed attempt left no trace; a valid outcome still goes through.
	require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "approval"))
	_, err = f.engine.CompleteStep(ctx, run.Id, "approval", map[string]any{"decision": "rejected"}, user("u-owner"))
	require.NoError(t, err)
	require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "stepD"))
}

func TestParallelJoinWaitsForAllLanes(t *testing.T) {
	for scenario, order := range map[string][]string{
		"lane A finishes first": {"a1", "a2", "b1"},
		"lane B finishes first": {"b1", "a1", "a2"},
	} {
		t.Run(scenario, func(t *testing.T) {
			f := newFixture(t, nil, parallelDefinition())
			run := f.start(t, "fanout")
			ctx := context.Background()

			res, err := f.engine.CompleteStep(ctx, run.Id, "kick", nil, user("u-owner"))
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"a1", "b1"}, res.NextStepIds)
			require.Equal(t, model.STEP_PENDING, f.status(t, run.Id, "a2"))

			for _, stepId := range order[:len(order)-1] {
				res, err = f.engine.CompleteStep(ctx, run.Id, stepId, nil, user("u-owner"))
				require.NoError(t, err)
				require.NotContains(t, res.NextStepIds, "join")
			}
			require.Equal(t, model.STEP_PENDING, f.status(t, run.Id, "join"))

			// The last lane end converges onto the join step.
			res, err = f.engine.CompleteStep(ctx, run.Id, order[len(order)-1], nil, user("u-owner"))
			require.NoError(t, err)
			require.Equal(t, []string{"join"}, res.NextStepIds)
			require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "join"))
		})
	}
}

func TestGroupConsensusAll(t *testing.T) {
	f := newFixture(t, nil, groupDefinition(model.COMPLETION_MODE_ALL))
	run := f.start(t, "signoff")
	ctx := context.Background()

	for _, memberId := range []string{"u1", "u2"} {
		res, err := f.engine.CompleteStep(ctx, run.Id, "sign", map[string]any{"by": memberId}, user(memberId))
		require.NoError(t, err)
		require.True(t, res.Partial)
		require.False(t, res.Advanced)
		require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "sign"))
	}

	// Re-submission by a completed member changes nothing.
	res, err := f.engine.CompleteStep(ctx, run.Id, "sign", map[string]any{"by": "again"}, user("u1"))
	require.NoError(t, err)
	require.True(t, res.Partial)

	res, err = f.engine.CompleteStep(ctx, run.Id, "sign", map[string]any{"by": "u3"}, user("u3"))
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, []string{"file"}, res.NextStepIds)

	state, err := f.storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	exec := state.Execution("sign")
	require.Equal(t, model.STEP_COMPLETED, exec.Status)
	// Merged payload plus the per-member record.
	require.Equal(t, "u3", exec.Result["by"])
	subs := exec.Result[model.KEY_SUBMISSIONS].(map[string]any)
	require.Len(t, subs, 3)
}

func TestGroupConsensusMajority(t *testing.T) {
	f := newFixture(t, nil, groupDefinition(model.COMPLETION_MODE_MAJORITY))
	run := f.start(t, "signoff")
	ctx := context.Background()

	res, err := f.engine.CompleteStep(ctx, run.Id, "sign", nil, user("u1"))
	require.NoError(t, err)
	require.True(t, res.Partial)

	res, err = f.engine.CompleteStep(ctx, run.Id, "sign", nil, user("u2"))
	require.NoError(t, err)
	require.True(t, res.Advanced)

	// Latecomers find the step already terminal.
	_, err = f.engine.CompleteStep(ctx, run.Id, "sign", nil, user("u3"))
	require.IsType(t, model.StateError{}, err)
}

func TestGroupRejectsOutsider(t *testing.T) {
	f := newFixture(t, nil, groupDefinition(model.COMPLETION_MODE_ANY))
	run := f.start(t, "signoff")
	_, err := f.engine.CompleteStep(context.Background(), run.Id, "sign", nil, user("intruder"))
	require.IsType(t, model.StateError{}, err)
}

func TestReviewRevisionLoop(t *testing.T) {
	reviewer := &seqReviewer{results: []review.Result{{
		Status:   review.STATUS_REVISION_NEEDED,
		Feedback: "expand the summary",
		Issues:   []string{"completeness"},
	}}}
	f := newFixture(t, reviewer, reviewDefinition())
	run := f.start(t, "drafting")
	ctx := context.Background()

	res, err := f.engine.CompleteStep(ctx, run.Id, "draft", map[string]any{"text": "short"}, user("u-owner"))
	require.NoError(t, err)
	require.True(t, res.RevisionRequested)
	require.False(t, res.Advanced)
	require.Equal(t, "expand the summary", res.Feedback)

	state, err := f.storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	exec := state.Execution("draft")
	require.Equal(t, model.STEP_IN_PROGRESS, exec.Status)
	require.Nil(t, exec.CompletedAt)
	require.Equal(t, true, exec.Result[model.KEY_AWAITING_REVIEW])
	require.Equal(t, "expand the summary", exec.Result[model.KEY_REVIEW_FEEDBACK])
	require.Equal(t, model.STEP_PENDING, f.status(t, run.Id, "publish"))
	require.Contains(t, f.audit.actions(), "revision_requested")

	// The revised payload clears and the run moves on.
	res, err = f.engine.CompleteStep(ctx, run.Id, "draft", map[string]any{"text": "a longer summary"}, user("u-owner"))
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, 2, reviewer.calls)

	state, err = f.storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	exec = state.Execution("draft")
	require.Equal(t, model.STEP_COMPLETED, exec.Status)
	require.NotContains(t, exec.Result, model.KEY_AWAITING_REVIEW)
	require.NotEmpty(t, exec.Result[model.KEY_REVIEWED_HASH])
	require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "publish"))
}

func TestReviewRevisionLimit(t *testing.T) {
	reviewer := &seqReviewer{results: []review.Result{
		{Status: review.STATUS_REVISION_NEEDED, Feedback: "again"},
		{Status: review.STATUS_REVISION_NEEDED, Feedback: "and again"},
	}}
	def := reviewDefinition()
	def.Steps[0].Review.MaxRevisions = 1
	f := newFixture(t, reviewer, def)
	run := f.start(t, "drafting")
	ctx := context.Background()

	res, err := f.engine.CompleteStep(ctx, run.Id, "draft", map[string]any{"text": "v1"}, user("u-owner"))
	require.NoError(t, err)
	require.True(t, res.RevisionRequested)

	// The limit is spent, so the next submission stands without another
	// reviewer round trip.
	res, err = f.engine.CompleteStep(ctx, run.Id, "draft", map[string]any{"text": "v2"}, user("u-owner"))
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, 1, reviewer.calls)
}

func TestCancelRunSkipsOpenSteps(t *testing.T) {
	f := newFixture(t, nil, linearDefinition())
	run := f.start(t, "linear")
	ctx := context.Background()

	_, err := f.engine.CompleteStep(ctx, run.Id, "a", nil, user("u-owner"))
	require.NoError(t, err)

	res, err := f.engine.CancelRun(ctx, run.Id, user("admin"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b", "c"}, res.SkippedStepIds)

	state, err := f.storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, model.RUN_CANCELLED, state.Run.Status)
	require.Equal(t, model.STEP_COMPLETED, state.Execution("a").Status)
	require.Equal(t, model.STEP_SKIPPED, state.Execution("b").Status)
	require.Equal(t, model.STEP_SKIPPED, state.Execution("c").Status)
	require.True(t, f.notifier.cancelled)

	// Cancelled runs accept no further transitions.
	_, err = f.engine.CancelRun(ctx, run.Id, user("admin"))
	require.IsType(t, model.StateError{}, err)
	_, err = f.engine.CompleteStep(ctx, run.Id, "b", nil, user("u-owner"))
	require.IsType(t, model.StateError{}, err)
}

func TestReassignStep(t *testing.T) {
	def := model.FlowDefinition{
		Name: "manual", Version: 1, Published: true,
		Roles: []model.RolePlaceholder{{Name: "helper", Strategy: model.ROLE_STRATEGY_MANUAL}},
		Steps: []model.StepDef{{Id: "solo", Type: model.STEP_TYPE_TASK, Role: "helper"}},
	}
	f := newFixture(t, nil, def)
	run := f.start(t, "manual")
	ctx := context.Background()

	require.Equal(t, model.STEP_WAITING_FOR_ASSIGNEE, f.status(t, run.Id, "solo"))

	err := f.engine.ReassignStep(ctx, run.Id, "solo", user("picked"), user("admin"))
	require.NoError(t, err)
	require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "solo"))
	require.Equal(t, []string{"solo"}, f.notifier.reassigned)

	state, err := f.storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, user("picked"), *state.Execution("solo").Assignee)

	res, err := f.engine.CompleteStep(ctx, run.Id, "solo", nil, user("picked"))
	require.NoError(t, err)
	require.True(t, res.RunCompleted)

	// Terminal executions can not be reassigned.
	err = f.engine.ReassignStep(ctx, run.Id, "solo", user("late"), user("admin"))
	require.IsType(t, model.StateError{}, err)
}

func TestReassignRequiresIdentity(t *testing.T) {
	f := newFixture(t, nil, linearDefinition())
	run := f.start(t, "linear")
	err := f.engine.ReassignStep(context.Background(), run.Id, "a", model.Identity{}, user("admin"))
	require.IsType(t, model.ValidationError{}, err)
}

func TestSubFlowStartsChildRun(t *testing.T) {
	child := model.FlowDefinition{
		Name: "child", Version: 1, Published: true,
		Roles: []model.RolePlaceholder{fixedRole("owner", "u-owner")},
		Steps: []model.StepDef{{Id: "only", Type: model.STEP_TYPE_TASK, Role: "owner"}},
	}
	parent := model.FlowDefinition{
		Name: "parent", Version: 1, Published: true,
		Steps: []model.StepDef{{Id: "spawn", Type: model.STEP_TYPE_SUB_FLOW, SubFlow: "child"}},
	}
	f := newFixture(t, nil, child, parent)
	run := f.start(t, "parent")
	ctx := context.Background()

	state, err := f.storage.GetRun(ctx, run.Id)
	require.NoError(t, err)
	childId, ok := state.Execution("spawn").Result[model.KEY_CHILD_RUN].(string)
	require.True(t, ok)

	childState, err := f.storage.GetRun(ctx, childId)
	require.NoError(t, err)
	require.Equal(t, run.Id, childState.Run.ParentRunId)
	require.Equal(t, model.STEP_IN_PROGRESS, childState.Executions[0].Status)
	require.Contains(t, f.audit.actions(), "subflow_started")

	// The parent step completes on its own schedule.
	res, err := f.engine.CompleteStep(ctx, run.Id, "spawn", nil, user("starter"))
	require.NoError(t, err)
	require.True(t, res.RunCompleted)
}

func TestSubFlowNestingBounded(t *testing.T) {
	// A definition that spawns itself would otherwise recurse without end.
	def := model.FlowDefinition{
		Name: "ouroboros", Version: 1, Published: true,
		Steps: []model.StepDef{{Id: "again", Type: model.STEP_TYPE_SUB_FLOW, SubFlow: "ouroboros"}},
	}
	f := newFixture(t, nil, def)
	run := f.start(t, "ouroboros")
	require.NotNil(t, run)

	var spawned int
	for _, action := range f.audit.actions() {
		if action == "subflow_started" {
			spawned++
		}
	}
	require.Equal(t, maxSubFlowDepth, spawned)

	_, err := f.engine.StartRun(context.Background(), model.RunStartRequest{
		DefinitionName: "ouroboros",
		OrgId:          "org1",
		Starter:        user("starter"),
		SubFlowDepth:   maxSubFlowDepth + 1,
	})
	require.IsType(t, model.ValidationError{}, err)
}

func TestGroupStepWaitsForMembers(t *testing.T) {
	def := model.FlowDefinition{
		Name: "panel", Version: 1, Published: true,
		Roles: []model.RolePlaceholder{{Name: "m1", Strategy: model.ROLE_STRATEGY_MANUAL}},
		Steps: []model.StepDef{
			{Id: "sign", Type: model.STEP_TYPE_APPROVAL, Group: &model.GroupConfig{Roles: []string{"m1"}, CompletionMode: model.COMPLETION_MODE_ALL}},
		},
	}
	f := newFixture(t, nil, def)
	run := f.start(t, "panel")
	ctx := context.Background()

	require.Equal(t, model.STEP_WAITING_FOR_ASSIGNEE, f.status(t, run.Id, "sign"))

	// With no members resolved yet there is nobody whose submission counts.
	_, err := f.engine.CompleteStep(ctx, run.Id, "sign", nil, user("drive-by"))
	require.IsType(t, model.StateError{}, err)

	require.NoError(t, f.engine.ReassignStep(ctx, run.Id, "sign", user("u1"), user("admin")))
	require.Equal(t, model.STEP_IN_PROGRESS, f.status(t, run.Id, "sign"))

	res, err := f.engine.CompleteStep(ctx, run.Id, "sign", nil, user("u1"))
	require.NoError(t, err)
	require.True(t, res.RunCompleted)
}

// flakyStorage fails one scripted Transact call, then behaves normally.
type flakyStorage struct {
	persistence.Storage
	mu     sync.Mutex
	failAt int
	calls  int
}

func (s *flakyStorage) Transact(ctx context.Context, runId string, fn func(*persistence.RunState) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failAt
	s.mu.Unlock()
	if fail {
		return model.TransientError{Cause: errors.New("connection dropped")}
	}
	return s.Storage.Transact(ctx, runId, fn)
}

func TestReviewHashSurvivesCommitFailure(t *testing.T) {
	base := inmem.NewStorage()
	svc := metadata.NewService(base)
	require.NoError(t, svc.SaveDefinition(context.Background(), reviewDefinition()))

	reviewer := &seqReviewer{}
	notifier := &recordingNotifier{}
	audit := &recordingAudit{}
	var wg sync.WaitGroup
	dispatcher := event.NewDispatcher("test", &wg, 16)
	storage := &flakyStorage{Storage: base}
	eng := New(storage, svc, assign.NewResolver(base), review.NewGate(reviewer, time.Second), notifier, audit, dispatcher).
		WithClock(func() time.Time { return testClock })

	ctx := context.Background()
	run, err := eng.StartRun(ctx, model.RunStartRequest{DefinitionName: "drafting", OrgId: "org1", Starter: user("starter")})
	require.NoError(t, err)

	// The completion commit is the second transaction of the attempt; the
	// cleared hash is written by the first.
	storage.mu.Lock()
	storage.failAt = storage.calls + 2
	storage.mu.Unlock()

	payload := map[string]any{"body": "v1"}
	_, err = eng.CompleteStep(ctx, run.Id, "draft", payload, user("u-owner"))
	require.IsType(t, model.TransientError{}, err)
	require.Equal(t, 1, reviewer.calls)

	// Retrying the same payload lands without a second reviewer round.
	res, err := eng.CompleteStep(ctx, run.Id, "draft", payload, user("u-owner"))
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, 1, reviewer.calls)
}

func TestGetRunMilestoneProgress(t *testing.T) {
	def := linearDefinition()
	def.Milestones = []model.Milestone{
		{Name: "setup", EndIndex: 1},
		{Name: "wrap", EndIndex: 2},
	}
	f := newFixture(t, nil, def)
	run := f.start(t, "linear")
	ctx := context.Background()

	_, err := f.engine.CompleteStep(ctx, run.Id, "a", nil, user("u-owner"))
	require.NoError(t, err)

	_, milestones, err := f.engine.GetRun(ctx, run.Id)
	require.NoError(t, err)
	require.Equal(t, []model.MilestoneProgress{
		{Name: "setup", Total: 2, Completed: 1, Done: false},
		{Name: "wrap", Total: 1, Completed: 0, Done: false},
	}, milestones)
}
