package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-ingest/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func documentRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "source", "source_url", "raw_content", "status", "linked_provider_id",
		"intervention_reason", "workflow_execution_id", "error_message",
		"scraped_at", "created_at", "updated_at",
	})
}

func TestPostgresStore_GetDocument_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM scraped_documents WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDocument(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDocument(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM scraped_documents WHERE id = \$1`).
		WithArgs("doc-1").
		WillReturnRows(documentRows().AddRow(
			"doc-1", "yelp", "https://yelp.com/biz/acme", "<html/>", "pending",
			"", "", "", "", now, now, now,
		))

	doc, err := s.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, doc.Status)
	assert.Equal(t, "yelp", doc.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSourceHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM scraped_documents\s+WHERE source_url = \$1 AND status = \$2`).
		WithArgs("https://yelp.com/biz/acme", "completed").
		WillReturnRows(documentRows().AddRow(
			"doc-1", "yelp", "https://yelp.com/biz/acme", "", "completed",
			"prov-1", "", "", "", now, now, now,
		))

	docs, err := s.ListSourceHistory(context.Background(), "https://yelp.com/biz/acme")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "prov-1", docs[0].LinkedProviderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSourceHistory_EmptyURL(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	docs, err := s.ListSourceHistory(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestPostgresStore_SelectEligible(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM scraped_documents\s+WHERE status = \$1`).
		WithArgs("pending", "paused_intervention", 10).
		WillReturnRows(documentRows().
			AddRow("doc-1", "yelp", "", "", "pending", "", "", "", "", now, now, now).
			AddRow("doc-2", "angi", "", "", "paused_intervention", "p9", "", "", "", now, now, now))

	docs, err := s.SelectEligible(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "doc-1", docs[0].ID)
	assert.Equal(t, "p9", docs[1].LinkedProviderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkInProgress_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scraped_documents`).
		WithArgs("in_progress", "exec-1", pgxmock.AnyArg(), "doc-1", "pending", "paused_intervention").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkInProgress(context.Background(), "doc-1", "exec-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteDocument(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scraped_documents`).
		WithArgs("completed", "prov-1", pgxmock.AnyArg(), "doc-1", "in_progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.CompleteDocument(context.Background(), "doc-1", "prov-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PauseIntervention(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scraped_documents`).
		WithArgs("paused_intervention", "ambiguous match, candidates: ...", pgxmock.AnyArg(), "doc-1", "in_progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.PauseIntervention(context.Background(), "doc-1", "ambiguous match, candidates: ..."))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveIntervention(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scraped_documents`).
		WithArgs("pending", "prov-1", pgxmock.AnyArg(), "doc-1", "paused_intervention").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.ResolveIntervention(context.Background(), "doc-1", "prov-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetStale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scraped_documents d`).
		WithArgs("pending", pgxmock.AnyArg(), "in_progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.ResetStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Checkpoint_Roundtrip(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cp := &model.Checkpoint{
		ExecutionID: "exec-1",
		DocumentID:  "doc-1",
		StepIndex:   3,
		Fields:      &model.StructuredFields{BusinessName: "Acme Plumbing"},
	}

	mock.ExpectExec(`INSERT INTO workflow_checkpoints`).
		WithArgs("doc-1", "exec-1", 3, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveCheckpoint(context.Background(), cp))

	state, err := json.Marshal(cp)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT state FROM workflow_checkpoints`).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(state))

	got, err := s.GetCheckpoint(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.StepIndex)
	assert.Equal(t, "Acme Plumbing", got.Fields.BusinessName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCheckpoint_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT state FROM workflow_checkpoints`).
		WithArgs("doc-1").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetCheckpoint(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertProvider_Atomic(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	p := &model.CanonicalProvider{
		Name:       "Acme Plumbing",
		Phone:      "7035550100",
		Categories: []string{"hvac", "plumbing"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO providers`).
		WithArgs(pgxmock.AnyArg(), "Acme Plumbing", "7035550100", "", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM provider_categories`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO provider_categories`).
		WithArgs(pgxmock.AnyArg(), "hvac").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO provider_categories`).
		WithArgs(pgxmock.AnyArg(), "plumbing").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, err := s.UpsertProvider(context.Background(), p)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertProvider_RollsBackOnCategoryFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	p := &model.CanonicalProvider{
		ID:         "prov-1",
		Name:       "Acme Plumbing",
		Categories: []string{"plumbing"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO providers`).
		WithArgs("prov-1", "Acme Plumbing", "", "", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM provider_categories`).
		WithArgs("prov-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO provider_categories`).
		WithArgs("prov-1", "plumbing").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.UpsertProvider(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert category")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProvider(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	area, _ := json.Marshal(model.ServiceArea{Counties: []string{"Fairfax County"}})
	meta, _ := json.Marshal(map[string]model.ProvenanceEntry{
		"name": {SourceID: "yelp", CapturedAt: now},
	})

	mock.ExpectQuery(`SELECT .+ FROM providers WHERE id = \$1`).
		WithArgs("prov-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "phone", "website", "license_number", "service_area",
			"payment_methods", "enriched_sources", "enrichment_metadata",
			"last_enriched_at", "created_at", "updated_at",
		}).AddRow("prov-1", "Acme Plumbing", "7035550100", "acme.com", "VA-1",
			area, []byte(`["cash"]`), []byte(`["yelp"]`), meta, now, now, now))
	mock.ExpectQuery(`SELECT provider_id, category FROM provider_categories`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"provider_id", "category"}).
			AddRow("prov-1", "plumbing"))

	p, err := s.GetProvider(context.Background(), "prov-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Plumbing", p.Name)
	assert.Equal(t, []string{"Fairfax County"}, p.ServiceArea.Counties)
	assert.Equal(t, []string{"plumbing"}, p.Categories)
	assert.Equal(t, "yelp", p.Provenance["name"].SourceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
