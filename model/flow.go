package model

import "fmt"

type StepType string

const STEP_TYPE_FORM StepType = "FORM"
const STEP_TYPE_TASK StepType = "TASK"
const STEP_TYPE_APPROVAL StepType = "APPROVAL"
const STEP_TYPE_DECISION StepType = "DECISION"
const STEP_TYPE_FILE_REQUEST StepType = "FILE_REQUEST"
const STEP_TYPE_AI_TASK StepType = "AI_TASK"
const STEP_TYPE_SUB_FLOW StepType = "SUB_FLOW"

func ValidateStepType(t string) error {
	switch StepType(t) {
	case STEP_TYPE_FORM, STEP_TYPE_TASK, STEP_TYPE_APPROVAL, STEP_TYPE_DECISION,
		STEP_TYPE_FILE_REQUEST, STEP_TYPE_AI_TASK, STEP_TYPE_SUB_FLOW:
		return nil
	}
	return fmt.Errorf("unknown step type %s", t)
}

type CompletionMode string

const COMPLETION_MODE_ALL CompletionMode = "ALL"
const COMPLETION_MODE_MAJORITY CompletionMode = "MAJORITY"
const COMPLETION_MODE_ANY CompletionMode = "ANY"

type DueUnit string

const DUE_UNIT_MINUTES DueUnit = "minutes"
const DUE_UNIT_HOURS DueUnit = "hours"
const DUE_UNIT_DAYS DueUnit = "days"

// DueSpec is a relative due date. BeforeFlowDue anchors the offset backwards
// from the run level due date instead of forward from the step's start.
type DueSpec struct {
	Value         int     `json:"value"`
	Unit          DueUnit `json:"unit"`
	BeforeFlowDue bool    `json:"beforeFlowDue,omitempty"`
}

type RoleStrategy string

const ROLE_STRATEGY_FIXED_CONTACT RoleStrategy = "FIXED_CONTACT"
const ROLE_STRATEGY_WORKSPACE_INITIALIZER RoleStrategy = "WORKSPACE_INITIALIZER"
const ROLE_STRATEGY_KICKOFF_FORM_FIELD RoleStrategy = "KICKOFF_FORM_FIELD"
const ROLE_STRATEGY_FLOW_VARIABLE RoleStrategy = "FLOW_VARIABLE"
const ROLE_STRATEGY_ROUND_ROBIN RoleStrategy = "ROUND_ROBIN"
const ROLE_STRATEGY_RULES RoleStrategy = "RULES"
const ROLE_STRATEGY_MANUAL RoleStrategy = "MANUAL"

type IdentityKind string

const IDENTITY_KIND_USER IdentityKind = "USER"
const IDENTITY_KIND_CONTACT IdentityKind = "CONTACT"

type Identity struct {
	Kind  IdentityKind `json:"kind"`
	Id    string       `json:"id"`
	Email string       `json:"email,omitempty"`
	Name  string       `json:"name,omitempty"`
}

// Key returns the value used to match an identity against group assignee
// records and overrides.
func (i Identity) Key() string {
	if len(i.Id) > 0 {
		return i.Id
	}
	return i.Email
}

func (i Identity) IsZero() bool {
	return len(i.Id) == 0 && len(i.Email) == 0
}

// AssignmentRule is one ordered predicate/identity pair of a RULES role.
// Expression is a javascript predicate evaluated against the kickoff input,
// bound as `input`.
type AssignmentRule struct {
	Expression string   `json:"expression"`
	Identity   Identity `json:"identity"`
}

type RolePlaceholder struct {
	Name        string          `json:"name"`
	Strategy    RoleStrategy    `json:"strategy"`
	Coordinator bool            `json:"coordinator,omitempty"`
	Identity    *Identity       `json:"identity,omitempty"`
	Key         string          `json:"key,omitempty"`
	Pool        []Identity      `json:"pool,omitempty"`
	Rules       []AssignmentRule `json:"rules,omitempty"`
}

type GroupConfig struct {
	Roles          []string       `json:"roles"`
	CompletionMode CompletionMode `json:"completionMode"`
}

type ReviewConfig struct {
	Criteria     []string `json:"criteria"`
	MaxRevisions int      `json:"maxRevisions,omitempty"`
}

// StepDef is one step of a flow definition. BranchPath tags the lane the
// step belongs to (a decision outcome lane or a parallel lane); ParallelGroup
// ties sibling lanes that run concurrently. Outcomes maps a decision or
// approval result key to the branch tag it selects.
type StepDef struct {
	Id            string            `json:"id"`
	Type          StepType          `json:"type"`
	Name          string            `json:"name"`
	Role          string            `json:"role,omitempty"`
	Due           *DueSpec          `json:"due,omitempty"`
	Group         *GroupConfig      `json:"group,omitempty"`
	Review        *ReviewConfig     `json:"review,omitempty"`
	Outcomes      map[string]string `json:"outcomes,omitempty"`
	BranchPath    string            `json:"branchPath,omitempty"`
	ParallelGroup string            `json:"parallelGroup,omitempty"`
	SubFlow       string            `json:"subFlow,omitempty"`
	Config        map[string]any    `json:"config,omitempty"`
}

// Milestone groups the contiguous steps up to EndIndex under a display name.
// Milestones never influence advancement.
type Milestone struct {
	Name     string `json:"name"`
	EndIndex int    `json:"endIndex"`
}

type FlowDefinition struct {
	Name        string            `json:"name"`
	Version     int               `json:"version"`
	Published   bool              `json:"published"`
	Description string            `json:"description,omitempty"`
	Due         *DueSpec          `json:"due,omitempty"`
	Steps       []StepDef         `json:"steps"`
	Roles       []RolePlaceholder `json:"roles,omitempty"`
	Milestones  []Milestone       `json:"milestones,omitempty"`
}
