package model

import "time"

type RunStatus string

const RUN_IN_PROGRESS RunStatus = "IN_PROGRESS"
const RUN_COMPLETED RunStatus = "COMPLETED"
const RUN_CANCELLED RunStatus = "CANCELLED"

type StepStatus string

const STEP_PENDING StepStatus = "PENDING"
const STEP_IN_PROGRESS StepStatus = "IN_PROGRESS"
const STEP_WAITING_FOR_ASSIGNEE StepStatus = "WAITING_FOR_ASSIGNEE"
const STEP_COMPLETED StepStatus = "COMPLETED"
const STEP_SKIPPED StepStatus = "SKIPPED"

// Terminal reports whether a step execution can no longer change.
func (s StepStatus) Terminal() bool {
	return s == STEP_COMPLETED || s == STEP_SKIPPED
}

// Active reports whether an execution currently holds work for somebody.
func (s StepStatus) Active() bool {
	return s == STEP_IN_PROGRESS || s == STEP_WAITING_FOR_ASSIGNEE
}

type GroupMemberStatus string

const GROUP_MEMBER_PENDING GroupMemberStatus = "PENDING"
const GROUP_MEMBER_COMPLETED GroupMemberStatus = "COMPLETED"

type GroupAssignee struct {
	ExecutionId string            `json:"executionId"`
	Identity    Identity          `json:"identity"`
	Status      GroupMemberStatus `json:"status"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Reserved result data keys. Everything else in StepExecution.Result is an
// opaque payload owned by the submitter.
const KEY_AWAITING_REVIEW = "_awaitingReview"
const KEY_AI_DRAFT = "_aiDraft"
const KEY_REVIEW_FEEDBACK = "_reviewFeedback"
const KEY_REVIEW_ISSUES = "_reviewIssues"
const KEY_REVIEWED_HASH = "_reviewedHash"
const KEY_REVISION_COUNT = "_revisionCount"
const KEY_SUBMISSIONS = "_submissions"
const KEY_CHILD_RUN = "_childRunId"

type StepExecution struct {
	Id            string          `json:"id"`
	RunId         string          `json:"runId"`
	StepId        string          `json:"stepId"`
	StepIndex     int             `json:"stepIndex"`
	Status        StepStatus      `json:"status"`
	Assignee      *Identity       `json:"assignee,omitempty"`
	Group         []GroupAssignee `json:"group,omitempty"`
	BranchPath    string          `json:"branchPath,omitempty"`
	ParallelGroup string          `json:"parallelGroup,omitempty"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	DueAt         *time.Time      `json:"dueAt,omitempty"`
	Result        map[string]any  `json:"result,omitempty"`
	ReminderCount int             `json:"reminderCount"`
}

// FlowRun is one executing instance of a definition. CurrentStepIndex is a
// display hint only; the authoritative frontier is the execution statuses.
type FlowRun struct {
	Id                string              `json:"id"`
	OrgId             string              `json:"orgId"`
	DefinitionName    string              `json:"definitionName"`
	DefinitionVersion int                 `json:"definitionVersion"`
	Status            RunStatus           `json:"status"`
	Starter           Identity            `json:"starter"`
	StartedAt         time.Time           `json:"startedAt"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
	DueAt             *time.Time          `json:"dueAt,omitempty"`
	Roles             map[string]Identity `json:"roles,omitempty"`
	KickoffInput      map[string]any      `json:"kickoffInput,omitempty"`
	Variables         map[string]any      `json:"variables,omitempty"`
	CurrentStepIndex  int                 `json:"currentStepIndex"`
	ParentRunId       string              `json:"parentRunId,omitempty"`
	SubFlowDepth      int                 `json:"subFlowDepth,omitempty"`
	IsTest            bool                `json:"isTest,omitempty"`
	Warnings          []string            `json:"warnings,omitempty"`
}

// RunStartRequest is the context given to the engine when starting a run.
type RunStartRequest struct {
	DefinitionName string              `json:"definitionName"`
	OrgId          string              `json:"orgId"`
	Starter        Identity            `json:"starter"`
	RoleOverrides  map[string]Identity `json:"roleOverrides,omitempty"`
	KickoffInput   map[string]any      `json:"kickoffInput,omitempty"`
	Variables      map[string]any      `json:"variables,omitempty"`
	IsTest         bool                `json:"isTest,omitempty"`
	ParentRunId    string              `json:"parentRunId,omitempty"`
	SubFlowDepth   int                 `json:"subFlowDepth,omitempty"`
}

type StepCompletionResult struct {
	Advanced          bool     `json:"advanced"`
	RevisionRequested bool     `json:"revisionRequested,omitempty"`
	Partial           bool     `json:"partial,omitempty"`
	NextStepIds       []string `json:"nextStepIds,omitempty"`
	RunCompleted      bool     `json:"runCompleted"`
	Feedback          string   `json:"feedback,omitempty"`
}

type RunCancelResult struct {
	SkippedStepIds []string `json:"skippedStepIds"`
}

// MilestoneProgress is derived from execution statuses on read.
type MilestoneProgress struct {
	Name      string `json:"name"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Done      bool   `json:"done"`
}
