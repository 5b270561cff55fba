package model

import "time"

// DocumentStatus represents the lifecycle state of a scraped document.
type DocumentStatus string

const (
	StatusPending            DocumentStatus = "pending"
	StatusInProgress         DocumentStatus = "in_progress"
	StatusCompleted          DocumentStatus = "completed"
	StatusFailed             DocumentStatus = "failed"
	StatusPausedIntervention DocumentStatus = "paused_intervention"
)

// validTransitions enumerates every allowed status transition. completed and
// failed are terminal for a workflow execution; failed and paused_intervention
// re-enter pending only through operator action, and in_progress falls back to
// pending only through the stale-lock reconciliation sweep.
var validTransitions = map[DocumentStatus][]DocumentStatus{
	StatusPending:            {StatusInProgress},
	StatusInProgress:         {StatusCompleted, StatusFailed, StatusPausedIntervention, StatusPending},
	StatusPausedIntervention: {StatusPending},
	StatusFailed:             {StatusPending},
	StatusCompleted:          {},
}

// CanTransition reports whether moving a document from one status to another
// is allowed by the workflow state machine.
func CanTransition(from, to DocumentStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status ends a workflow execution.
func (s DocumentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPausedIntervention
}

// ScrapedDocument is one raw capture of a business listing awaiting ingestion.
type ScrapedDocument struct {
	ID                 string         `json:"id"`
	Source             string         `json:"source"`
	SourceURL          string         `json:"source_url"`
	RawContent         string         `json:"raw_content"`
	Status             DocumentStatus `json:"status"`
	LinkedProviderID   string         `json:"linked_provider_id,omitempty"`
	InterventionReason string         `json:"intervention_reason,omitempty"`
	ExecutionID        string         `json:"workflow_execution_id,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	ScrapedAt          time.Time      `json:"scraped_at"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Checkpoint is the persisted resume point of a workflow execution. Steps
// already at or below StepIndex are never re-run on resume; Fields and
// Decision carry the intermediate state the remaining steps need.
type Checkpoint struct {
	ExecutionID string            `json:"execution_id"`
	DocumentID  string            `json:"document_id"`
	StepIndex   int               `json:"step_index"`
	Fields      *StructuredFields `json:"fields,omitempty"`
	ProviderID  string            `json:"provider_id,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
