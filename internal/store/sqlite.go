package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/provider-ingest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for single-worker
// and local development deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

// DB exposes the underlying handle for the SQLite lock service.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scraped_documents (
	id                    TEXT PRIMARY KEY,
	source                TEXT NOT NULL,
	source_url            TEXT NOT NULL DEFAULT '',
	raw_content           TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'pending',
	linked_provider_id    TEXT NOT NULL DEFAULT '',
	intervention_reason   TEXT NOT NULL DEFAULT '',
	workflow_execution_id TEXT NOT NULL DEFAULT '',
	error_message         TEXT NOT NULL DEFAULT '',
	scraped_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS providers (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	phone               TEXT NOT NULL DEFAULT '',
	website             TEXT NOT NULL DEFAULT '',
	license_number      TEXT NOT NULL DEFAULT '',
	service_area        TEXT NOT NULL DEFAULT '{}',
	payment_methods     TEXT NOT NULL DEFAULT '[]',
	enriched_sources    TEXT NOT NULL DEFAULT '[]',
	enrichment_metadata TEXT NOT NULL DEFAULT '{}',
	last_enriched_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS provider_categories (
	provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
	category    TEXT NOT NULL,
	PRIMARY KEY (provider_id, category)
);

CREATE TABLE IF NOT EXISTS workflow_checkpoints (
	document_id  TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	step_index   INTEGER NOT NULL,
	state        TEXT NOT NULL DEFAULT '{}',
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS execution_locks (
	key          TEXT PRIMARY KEY,
	token        TEXT NOT NULL,
	locked_until DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON scraped_documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_provider ON scraped_documents(linked_provider_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertDocument(ctx context.Context, doc *model.ScrapedDocument) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = model.StatusPending
	}
	now := time.Now().UTC()
	if doc.ScrapedAt.IsZero() {
		doc.ScrapedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scraped_documents (id, source, source_url, raw_content, status, scraped_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Source, doc.SourceURL, doc.RawContent, string(doc.Status), doc.ScrapedAt, now, now)
	return eris.Wrap(err, "sqlite: insert document")
}

func (s *SQLiteStore) BulkInsertDocuments(ctx context.Context, docs []model.ScrapedDocument) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin bulk insert")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var n int64
	for i := range docs {
		d := &docs[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.Status == "" {
			d.Status = model.StatusPending
		}
		if d.ScrapedAt.IsZero() {
			d.ScrapedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scraped_documents (id, source, source_url, raw_content, status, scraped_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.Source, d.SourceURL, d.RawContent, string(d.Status), d.ScrapedAt, now, now); err != nil {
			return 0, eris.Wrap(err, "sqlite: bulk insert document")
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit bulk insert")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDocument(row rowScanner) (*model.ScrapedDocument, error) {
	var d model.ScrapedDocument
	var status string
	err := row.Scan(&d.ID, &d.Source, &d.SourceURL, &d.RawContent, &status,
		&d.LinkedProviderID, &d.InterventionReason, &d.ExecutionID, &d.ErrorMessage,
		&d.ScrapedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = model.DocumentStatus(status)
	return &d, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.ScrapedDocument, error) {
	doc, err := scanSQLiteDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM scraped_documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	return doc, nil
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, label, query string, args ...any) ([]model.ScrapedDocument, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", label)
	}
	defer rows.Close()

	var docs []model.ScrapedDocument
	for rows.Next() {
		doc, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", label)
		}
		docs = append(docs, *doc)
	}
	return docs, eris.Wrapf(rows.Err(), "sqlite: %s rows", label)
}

func (s *SQLiteStore) SelectEligible(ctx context.Context, limit int) ([]model.ScrapedDocument, error) {
	if limit <= 0 {
		limit = 25
	}
	return s.queryDocuments(ctx, "select eligible",
		`SELECT `+documentColumns+` FROM scraped_documents
		 WHERE status = ?
		    OR (status = ? AND (intervention_reason = '' OR linked_provider_id <> ''))
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		string(model.StatusPending), string(model.StatusPausedIntervention), limit)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status model.DocumentStatus, limit int) ([]model.ScrapedDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryDocuments(ctx, "list by status",
		`SELECT `+documentColumns+` FROM scraped_documents
		 WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		string(status), limit)
}

func (s *SQLiteStore) ListProviderLineage(ctx context.Context, providerID string) ([]model.ScrapedDocument, error) {
	if providerID == "" {
		return nil, nil
	}
	return s.queryDocuments(ctx, "list lineage",
		`SELECT `+documentColumns+` FROM scraped_documents
		 WHERE linked_provider_id = ? ORDER BY scraped_at DESC`,
		providerID)
}

func (s *SQLiteStore) ListSourceHistory(ctx context.Context, sourceURL string) ([]model.ScrapedDocument, error) {
	if sourceURL == "" {
		return nil, nil
	}
	return s.queryDocuments(ctx, "list source history",
		`SELECT `+documentColumns+` FROM scraped_documents
		 WHERE source_url = ? AND status = ? ORDER BY scraped_at DESC`,
		sourceURL, string(model.StatusCompleted))
}

func (s *SQLiteStore) transition(ctx context.Context, label, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s", label)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s rows affected", label)
	}
	if n == 0 {
		return eris.Wrapf(ErrConflict, "sqlite: %s", label)
	}
	return nil
}

func (s *SQLiteStore) MarkInProgress(ctx context.Context, id, executionID string) error {
	return s.transition(ctx, "mark in_progress",
		`UPDATE scraped_documents
		 SET status = ?, workflow_execution_id = ?, error_message = '', updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.StatusInProgress), executionID, time.Now().UTC(), id,
		string(model.StatusPending), string(model.StatusPausedIntervention))
}

func (s *SQLiteStore) CompleteDocument(ctx context.Context, id, providerID string) error {
	return s.transition(ctx, "complete document",
		`UPDATE scraped_documents
		 SET status = ?, linked_provider_id = ?, workflow_execution_id = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusCompleted), providerID, time.Now().UTC(), id,
		string(model.StatusInProgress))
}

func (s *SQLiteStore) FailDocument(ctx context.Context, id, errMsg string) error {
	return s.transition(ctx, "fail document",
		`UPDATE scraped_documents
		 SET status = ?, error_message = ?, workflow_execution_id = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusFailed), errMsg, time.Now().UTC(), id,
		string(model.StatusInProgress))
}

func (s *SQLiteStore) PauseIntervention(ctx context.Context, id, reason string) error {
	return s.transition(ctx, "pause intervention",
		`UPDATE scraped_documents
		 SET status = ?, intervention_reason = ?, workflow_execution_id = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusPausedIntervention), reason, time.Now().UTC(), id,
		string(model.StatusInProgress))
}

func (s *SQLiteStore) ResolveIntervention(ctx context.Context, id, providerID string) error {
	return s.transition(ctx, "resolve intervention",
		`UPDATE scraped_documents
		 SET status = ?, linked_provider_id = ?, intervention_reason = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusPending), providerID, time.Now().UTC(), id,
		string(model.StatusPausedIntervention))
}

func (s *SQLiteStore) RequeueFailed(ctx context.Context, id string) error {
	return s.transition(ctx, "requeue failed",
		`UPDATE scraped_documents
		 SET status = ?, error_message = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusPending), time.Now().UTC(), id,
		string(model.StatusFailed))
}

func (s *SQLiteStore) ResetStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraped_documents
		 SET status = ?, workflow_execution_id = '', updated_at = ?
		 WHERE status = ?
		   AND id NOT IN (
		       SELECT key FROM execution_locks WHERE locked_until > ?
		   )`,
		string(model.StatusPending), time.Now().UTC(), string(model.StatusInProgress), time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset stale")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: reset stale rows affected")
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	state, err := json.Marshal(cp)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal checkpoint")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (document_id, execution_id, step_index, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (document_id) DO UPDATE SET execution_id = excluded.execution_id,
		 	step_index = excluded.step_index, state = excluded.state, updated_at = excluded.updated_at`,
		cp.DocumentID, cp.ExecutionID, cp.StepIndex, string(state), time.Now().UTC())
	return eris.Wrap(err, "sqlite: save checkpoint")
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, documentID string) (*model.Checkpoint, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM workflow_checkpoints WHERE document_id = ?`, documentID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get checkpoint %s", documentID)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(state), &cp); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal checkpoint")
	}
	return &cp, nil
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints WHERE document_id = ?`, documentID)
	return eris.Wrap(err, "sqlite: delete checkpoint")
}

func scanSQLiteProvider(row rowScanner) (*model.CanonicalProvider, error) {
	var p model.CanonicalProvider
	var area, payments, sources, metadata string
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.Website, &p.LicenseNumber,
		&area, &payments, &sources, &metadata,
		&p.LastEnrichedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(area), &p.ServiceArea); err != nil {
		return nil, eris.Wrap(err, "unmarshal service_area")
	}
	if err := json.Unmarshal([]byte(payments), &p.PaymentMethods); err != nil {
		return nil, eris.Wrap(err, "unmarshal payment_methods")
	}
	if err := json.Unmarshal([]byte(sources), &p.EnrichedSources); err != nil {
		return nil, eris.Wrap(err, "unmarshal enriched_sources")
	}
	if err := json.Unmarshal([]byte(metadata), &p.Provenance); err != nil {
		return nil, eris.Wrap(err, "unmarshal enrichment_metadata")
	}
	return &p, nil
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*model.CanonicalProvider, error) {
	p, err := scanSQLiteProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get provider %s", id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT category FROM provider_categories WHERE provider_id = ? ORDER BY category`, id)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load categories")
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category")
		}
		p.Categories = append(p.Categories, category)
	}
	return p, eris.Wrap(rows.Err(), "sqlite: load categories rows")
}

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]model.CanonicalProvider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list providers")
	}
	defer rows.Close()

	var providers []model.CanonicalProvider
	for rows.Next() {
		p, err := scanSQLiteProvider(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider")
		}
		providers = append(providers, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list providers rows")
	}

	catRows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, category FROM provider_categories ORDER BY provider_id, category`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load categories")
	}
	defer catRows.Close()
	byID := make(map[string]*model.CanonicalProvider, len(providers))
	for i := range providers {
		byID[providers[i].ID] = &providers[i]
	}
	for catRows.Next() {
		var providerID, category string
		if err := catRows.Scan(&providerID, &category); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category")
		}
		if p, ok := byID[providerID]; ok {
			p.Categories = append(p.Categories, category)
		}
	}
	return providers, eris.Wrap(catRows.Err(), "sqlite: load categories rows")
}

func (s *SQLiteStore) UpsertProvider(ctx context.Context, p *model.CanonicalProvider) (string, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	area, err := json.Marshal(p.ServiceArea)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal service_area")
	}
	payments, err := json.Marshal(orEmptySlice(p.PaymentMethods))
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal payment_methods")
	}
	sources, err := json.Marshal(orEmptySlice(p.EnrichedSources))
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal enriched_sources")
	}
	metadata, err := json.Marshal(p.Provenance)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal enrichment_metadata")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO providers (id, name, phone, website, license_number, service_area,
			payment_methods, enriched_sources, enrichment_metadata, last_enriched_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, phone = excluded.phone, website = excluded.website,
			license_number = excluded.license_number, service_area = excluded.service_area,
			payment_methods = excluded.payment_methods, enriched_sources = excluded.enriched_sources,
			enrichment_metadata = excluded.enrichment_metadata,
			last_enriched_at = excluded.last_enriched_at, updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Phone, p.Website, p.LicenseNumber, string(area),
		string(payments), string(sources), string(metadata), p.LastEnrichedAt, now, now,
	); err != nil {
		return "", eris.Wrap(err, "sqlite: upsert provider")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM provider_categories WHERE provider_id = ?`, p.ID); err != nil {
		return "", eris.Wrap(err, "sqlite: clear categories")
	}
	for _, category := range p.Categories {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provider_categories (provider_id, category) VALUES (?, ?)`,
			p.ID, category); err != nil {
			return "", eris.Wrap(err, "sqlite: insert category")
		}
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit upsert")
	}
	return p.ID, nil
}
