// Package models defines workflow structures for Attune.
//
// A workflow is a statically defined sequence of conversational steps driving
// a multi-turn interaction. Step behavior is described by tagged variants
// (validation kind, next-step rule, completion hook) interpreted by the
// engine, so definitions stay serializable and testable.
package models

import "time"

// Document collections used by the workflow engine.
const (
	CollectionWorkflowContexts    = "workflow_contexts"
	CollectionWorkflowCompletions = "workflow_completions"
)

// Built-in workflow identifiers.
const (
	WorkflowDailyCheckin      = "daily_checkin"
	WorkflowGoalPlanning      = "goal_planning"
	WorkflowReflectionSession = "reflection_session"
)

// StepKind defines how a step's outbound prompt is produced.
type StepKind string

const (
	// StepKindStatic sends the step's prompt text verbatim.
	StepKindStatic StepKind = "static"
	// StepKindGenAI generates the prompt through the processing capability.
	StepKindGenAI StepKind = "genai"
)

// ValidationKind names the input check applied before a step advances.
type ValidationKind string

const (
	ValidationNone     ValidationKind = "none"
	ValidationNonEmpty ValidationKind = "non_empty"
	ValidationNumeric  ValidationKind = "numeric"
	ValidationYesNo    ValidationKind = "yes_no"
)

// NextKind names the next-step resolution strategy.
type NextKind string

const (
	// NextSequential advances by array order.
	NextSequential NextKind = "sequential"
	// NextFixed jumps to a named step.
	NextFixed NextKind = "fixed"
	// NextBranch selects a step by matching the user input prefix.
	NextBranch NextKind = "branch"
)

// NextRule resolves the step that follows a completed one. A rule that
// resolves to a step id absent from the definition stalls progression; the
// engine treats it as "no next step" rather than an error.
type NextRule struct {
	Kind     NextKind          `json:"kind"`
	StepID   string            `json:"step_id,omitempty"`
	Branches map[string]string `json:"branches,omitempty"`
}

// HookKind names the best-effort side effect run after a step completes.
// Hook failures are logged and swallowed, never raised.
type HookKind string

const (
	HookNone         HookKind = "none"
	HookRecordMood   HookKind = "record_mood"
	HookRecordGoal   HookKind = "record_goal"
	HookFlagFollowup HookKind = "flag_followup"
)

// WorkflowStep is one step of a workflow definition.
type WorkflowStep struct {
	ID           string         `json:"id"`
	Kind         StepKind       `json:"kind"`
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Validation   ValidationKind `json:"validation,omitempty"`
	Next         *NextRule      `json:"next,omitempty"`
	OnComplete   HookKind       `json:"on_complete,omitempty"`
}

// CompletionKind names the completion criteria variant.
type CompletionKind string

const (
	// CompletionStepReached finishes the workflow once CurrentStep >= MinStep.
	CompletionStepReached CompletionKind = "step_reached"
)

// CompletionCriteria decides when a workflow is finished regardless of
// remaining defined steps.
type CompletionCriteria struct {
	Kind    CompletionKind `json:"kind"`
	MinStep int            `json:"min_step"`
}

// Met evaluates the criteria against a context.
func (c CompletionCriteria) Met(ctx *WorkflowContext) bool {
	switch c.Kind {
	case CompletionStepReached:
		return ctx.CurrentStep >= c.MinStep
	default:
		return false
	}
}

// WorkflowDefinition is the static description of one workflow.
type WorkflowDefinition struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Steps      []WorkflowStep     `json:"steps"`
	Completion CompletionCriteria `json:"completion"`
}

// StepIndex returns the index of a step id, or -1 if absent.
func (d *WorkflowDefinition) StepIndex(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// WorkflowContext is the live, mutable progress record for one user's run of
// one workflow. Exactly one live context exists per (UserID, WorkflowID).
// The Version field backs optimistic-concurrency saves; the in-memory copy is
// a cache reconstructable from the store.
type WorkflowContext struct {
	UserID       string         `json:"user_id"`
	WorkflowID   string         `json:"workflow_id"`
	CurrentStep  int            `json:"current_step"`
	TotalSteps   int            `json:"total_steps"`
	Data         map[string]any `json:"data,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	LastActivity time.Time      `json:"last_activity"`
	Platform     string         `json:"platform,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Version      int64          `json:"version"`
}

// ContextKey returns the store document id for a (user, workflow) pair.
func ContextKey(userID, workflowID string) string {
	return userID + ":" + workflowID
}

// WorkflowResult is the outcome of one engine turn.
type WorkflowResult struct {
	Message   string `json:"message"`
	StepID    string `json:"step_id,omitempty"`
	Completed bool   `json:"completed"`
	Retryable bool   `json:"retryable"`
}

// WorkflowStatus is a read-only projection of a live context.
type WorkflowStatus struct {
	Active      bool    `json:"active"`
	WorkflowID  string  `json:"workflow_id,omitempty"`
	CurrentStep int     `json:"current_step,omitempty"`
	TotalSteps  int     `json:"total_steps,omitempty"`
	Progress    float64 `json:"progress,omitempty"`
}

// WorkflowCompletion is the audit record persisted when a workflow finishes.
type WorkflowCompletion struct {
	UserID      string         `json:"user_id"`
	WorkflowID  string         `json:"workflow_id"`
	SessionID   string         `json:"session_id,omitempty"`
	Platform    string         `json:"platform,omitempty"`
	Duration    time.Duration  `json:"duration"`
	CompletedAt time.Time      `json:"completed_at"`
	Data        map[string]any `json:"data,omitempty"`
}
