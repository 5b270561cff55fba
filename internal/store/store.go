// Package store is the transactional boundary to the document and provider
// tables. All CanonicalProvider writes go through UpsertProvider's single
// transaction; document status changes are validated against the workflow
// state machine and rejected with ErrConflict when a concurrent writer got
// there first.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-ingest/internal/model"
)

// ErrNotFound is returned when a document or provider does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when a status transition loses a race or violates
// the state machine.
var ErrConflict = eris.New("store: status conflict")

// Store defines persistence for the ingestion workflow.
type Store interface {
	// Documents
	InsertDocument(ctx context.Context, doc *model.ScrapedDocument) error
	BulkInsertDocuments(ctx context.Context, docs []model.ScrapedDocument) (int64, error)
	GetDocument(ctx context.Context, id string) (*model.ScrapedDocument, error)
	// SelectEligible returns up to limit documents ready for scheduling:
	// pending rows, plus paused_intervention rows an operator has since
	// resolved (cleared the reason or set a provider id).
	SelectEligible(ctx context.Context, limit int) ([]model.ScrapedDocument, error)
	ListByStatus(ctx context.Context, status model.DocumentStatus, limit int) ([]model.ScrapedDocument, error)
	// ListProviderLineage returns prior documents linked to the same
	// provider, newest first, for historical resolution context.
	ListProviderLineage(ctx context.Context, providerID string) ([]model.ScrapedDocument, error)
	// ListSourceHistory returns completed documents for the same source URL,
	// newest first. A re-scrape of a listing finds its earlier captures here.
	ListSourceHistory(ctx context.Context, sourceURL string) ([]model.ScrapedDocument, error)

	// Status transitions (validated against the state machine)
	MarkInProgress(ctx context.Context, id, executionID string) error
	CompleteDocument(ctx context.Context, id, providerID string) error
	FailDocument(ctx context.Context, id, errMsg string) error
	PauseIntervention(ctx context.Context, id, reason string) error
	// ResolveIntervention is the operator write: link a provider (may be
	// empty to just requeue) and clear the intervention state.
	ResolveIntervention(ctx context.Context, id, providerID string) error
	// RequeueFailed is the operator retry for failed documents.
	RequeueFailed(ctx context.Context, id string) error
	// ResetStale returns in_progress documents with no live execution lock
	// back to pending. Run by the reconciliation sweep.
	ResetStale(ctx context.Context) (int64, error)

	// Workflow checkpoints
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, documentID string) (*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, documentID string) error

	// Providers
	GetProvider(ctx context.Context, id string) (*model.CanonicalProvider, error)
	ListProviders(ctx context.Context) ([]model.CanonicalProvider, error)
	// UpsertProvider writes the provider and its category rows in one
	// transaction and returns the definitive provider id.
	UpsertProvider(ctx context.Context, p *model.CanonicalProvider) (string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
