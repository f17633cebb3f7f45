// Package models defines processing and health structures for Attune.
package models

import "time"

// ProcessingType selects how much work the processing capability performs.
// Retries progressively simplify the type toward ProcessingMinimal.
type ProcessingType string

const (
	ProcessingChat         ProcessingType = "chat"
	ProcessingWorkflowStep ProcessingType = "workflow_step"
	ProcessingSummary      ProcessingType = "summary"
	ProcessingMinimal      ProcessingType = "minimal"
)

// ProcessingRequest is a single call into the downstream AI/business-logic
// capability. Callers treat it as fallible and possibly slow.
type ProcessingRequest struct {
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id,omitempty"`
	Platform     string         `json:"platform,omitempty"`
	Type         ProcessingType `json:"type"`
	Message      string         `json:"message"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// ProcessingResponse is the capability's reply.
type ProcessingResponse struct {
	Response   string         `json:"response"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IntegratedRequest is the single fault-tolerant entry point's input. When
// WorkflowID is set (or ContinueWorkflow is true) the request routes to the
// workflow engine; otherwise it goes to direct processing.
type IntegratedRequest struct {
	UserID           string         `json:"user_id"`
	SessionID        string         `json:"session_id"`
	Platform         string         `json:"platform,omitempty"`
	Message          string         `json:"message"`
	WorkflowID       string         `json:"workflow_id,omitempty"`
	ContinueWorkflow bool           `json:"continue_workflow,omitempty"`
	ProcessingType   ProcessingType `json:"processing_type,omitempty"`
}

// IntegratedResponse is the entry point's output. Fallback responses carry a
// low confidence and Fallback=true instead of a hard failure. Warnings report
// best-effort enrichment failures that did not fail the request.
type IntegratedResponse struct {
	Response       string          `json:"response"`
	Confidence     float64         `json:"confidence"`
	Source         string          `json:"source"`
	WorkflowStatus *WorkflowStatus `json:"workflow_status,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
	Fallback       bool            `json:"fallback,omitempty"`
}

// HealthState classifies a component or the whole system.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ComponentHealth is the probe result for one named component.
type ComponentHealth struct {
	Name      string      `json:"name"`
	State     HealthState `json:"state"`
	ErrorRate float64     `json:"error_rate"`
	Detail    string      `json:"detail,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// SystemHealth is the aggregated verdict. It is derived, cached with a short
// TTL, and never persisted.
type SystemHealth struct {
	State      HealthState                `json:"state"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}
