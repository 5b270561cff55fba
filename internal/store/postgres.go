package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-ingest/internal/db"
	"github.com/sells-group/provider-ingest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const documentColumns = `id, source, source_url, raw_content, status, linked_provider_id,
	intervention_reason, workflow_execution_id, error_message, scraped_at, created_at, updated_at`

// preparedStatements lists queries prepared on each new connection for the
// hot scheduling and transition paths.
var preparedStatements = map[string]string{
	"get_document": `SELECT ` + documentColumns + ` FROM scraped_documents WHERE id = $1`,
	"mark_in_progress": `UPDATE scraped_documents
		SET status = $1, workflow_execution_id = $2, error_message = '', updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)`,
	"save_checkpoint": `INSERT INTO workflow_checkpoints (document_id, execution_id, step_index, state, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id) DO UPDATE SET execution_id = EXCLUDED.execution_id,
			step_index = EXCLUDED.step_index, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that share the
// connection, such as the lock service.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS scraped_documents (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source                TEXT NOT NULL,
	source_url            TEXT NOT NULL DEFAULT '',
	raw_content           TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'pending',
	linked_provider_id    TEXT NOT NULL DEFAULT '',
	intervention_reason   TEXT NOT NULL DEFAULT '',
	workflow_execution_id TEXT NOT NULL DEFAULT '',
	error_message         TEXT NOT NULL DEFAULT '',
	scraped_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS providers (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	phone               TEXT NOT NULL DEFAULT '',
	website             TEXT NOT NULL DEFAULT '',
	license_number      TEXT NOT NULL DEFAULT '',
	service_area        JSONB NOT NULL DEFAULT '{}',
	payment_methods     JSONB NOT NULL DEFAULT '[]',
	enriched_sources    JSONB NOT NULL DEFAULT '[]',
	enrichment_metadata JSONB NOT NULL DEFAULT '{}',
	last_enriched_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
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
	state        JSONB NOT NULL DEFAULT '{}',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS execution_locks (
	key          TEXT PRIMARY KEY,
	token        TEXT NOT NULL,
	locked_until TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON scraped_documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_provider ON scraped_documents(linked_provider_id);
CREATE INDEX IF NOT EXISTS idx_locks_until ON execution_locks(locked_until);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc *model.ScrapedDocument) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scraped_documents (id, source, source_url, raw_content, status, scraped_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.Source, doc.SourceURL, doc.RawContent, string(doc.Status), doc.ScrapedAt, now, now,
	)
	return eris.Wrap(err, "postgres: insert document")
}

func (s *PostgresStore) BulkInsertDocuments(ctx context.Context, docs []model.ScrapedDocument) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(docs))
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
		rows = append(rows, []any{d.ID, d.Source, d.SourceURL, d.RawContent, string(d.Status), d.ScrapedAt, now, now})
	}
	return db.CopyFrom(ctx, s.pool, "scraped_documents",
		[]string{"id", "source", "source_url", "raw_content", "status", "scraped_at", "created_at", "updated_at"},
		rows)
}

func scanDocument(row pgx.Row) (*model.ScrapedDocument, error) {
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

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.ScrapedDocument, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM scraped_documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	return doc, nil
}

func (s *PostgresStore) queryDocuments(ctx context.Context, label, query string, args ...any) ([]model.ScrapedDocument, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", label)
	}
	defer rows.Close()

	var docs []model.ScrapedDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", label)
		}
		docs = append(docs, *doc)
	}
	return docs, eris.Wrapf(rows.Err(), "postgres: %s rows", label)
}

func (s *PostgresStore) SelectEligible(ctx context.Context, limit int) ([]model.ScrapedDocument, error) {
	if limit <= 0 {
		limit = 25
	}
	return s.queryDocuments(ctx, "select eligible",
		`SELECT `+documentColumns+` FROM scraped_documents
		 WHERE status = $1
		    OR (status = $2 AND (intervention_reason = '' OR linked_provider_id <> ''))
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		string(model.StatusPending), string(model.StatusPausedIntervention), limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status model.DocumentStatus, limit int) ([]model.ScrapedDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryDocuments(ctx, "list by status",
		`SELECT `+documentColumns+` FROM scraped_documents
		 WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`,
		string(status), limit)
}

func (s *PostgresStore) ListProviderLineage(ctx context.Context, providerID string) ([]model.ScrapedDocument, error) {
	if providerID == "" {
		return nil, nil
	}
	return s.queryDocuments(ctx, "list lineage",
		`SELECT `+documentColumns+` FROM scraped_documents
		 WHERE linked_provider_id = $1 ORDER BY scraped_at DESC`,
		providerID)
}

func (s *PostgresStore) ListSourceHistory(ctx context.Context, sourceURL string) ([]model.ScrapedDocument, error) {
	if sourceURL == "" {
		return nil, nil
	}
	return s.queryDocuments(ctx, "list source history",
		`SELECT `+documentColumns+` FROM scraped_documents
		 WHERE source_url = $1 AND status = $2 ORDER BY scraped_at DESC`,
		sourceURL, string(model.StatusCompleted))
}

// transition performs a conditional status update; zero rows affected means a
// concurrent writer changed the row first and surfaces as ErrConflict.
func (s *PostgresStore) transition(ctx context.Context, label, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s", label)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: %s", label)
	}
	return nil
}

func (s *PostgresStore) MarkInProgress(ctx context.Context, id, executionID string) error {
	// Eligible from pending, or from a resolved intervention.
	return s.transition(ctx, "mark in_progress",
		`UPDATE scraped_documents
		 SET status = $1, workflow_execution_id = $2, error_message = '', updated_at = $3
		 WHERE id = $4 AND status IN ($5, $6)`,
		string(model.StatusInProgress), executionID, time.Now().UTC(), id,
		string(model.StatusPending), string(model.StatusPausedIntervention))
}

func (s *PostgresStore) CompleteDocument(ctx context.Context, id, providerID string) error {
	return s.transition(ctx, "complete document",
		`UPDATE scraped_documents
		 SET status = $1, linked_provider_id = $2, workflow_execution_id = '', updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(model.StatusCompleted), providerID, time.Now().UTC(), id,
		string(model.StatusInProgress))
}

func (s *PostgresStore) FailDocument(ctx context.Context, id, errMsg string) error {
	return s.transition(ctx, "fail document",
		`UPDATE scraped_documents
		 SET status = $1, error_message = $2, workflow_execution_id = '', updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(model.StatusFailed), errMsg, time.Now().UTC(), id,
		string(model.StatusInProgress))
}

func (s *PostgresStore) PauseIntervention(ctx context.Context, id, reason string) error {
	return s.transition(ctx, "pause intervention",
		`UPDATE scraped_documents
		 SET status = $1, intervention_reason = $2, workflow_execution_id = '', updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(model.StatusPausedIntervention), reason, time.Now().UTC(), id,
		string(model.StatusInProgress))
}

func (s *PostgresStore) ResolveIntervention(ctx context.Context, id, providerID string) error {
	return s.transition(ctx, "resolve intervention",
		`UPDATE scraped_documents
		 SET status = $1, linked_provider_id = $2, intervention_reason = '', updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(model.StatusPending), providerID, time.Now().UTC(), id,
		string(model.StatusPausedIntervention))
}

func (s *PostgresStore) RequeueFailed(ctx context.Context, id string) error {
	return s.transition(ctx, "requeue failed",
		`UPDATE scraped_documents
		 SET status = $1, error_message = '', updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(model.StatusPending), time.Now().UTC(), id,
		string(model.StatusFailed))
}

func (s *PostgresStore) ResetStale(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scraped_documents d
		 SET status = $1, workflow_execution_id = '', updated_at = $2
		 WHERE d.status = $3
		   AND NOT EXISTS (
		       SELECT 1 FROM execution_locks l
		       WHERE l.key = d.id AND l.locked_until > now()
		   )`,
		string(model.StatusPending), time.Now().UTC(), string(model.StatusInProgress))
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset stale")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	state, err := json.Marshal(cp)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal checkpoint")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_checkpoints (document_id, execution_id, step_index, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (document_id) DO UPDATE SET execution_id = EXCLUDED.execution_id,
		 	step_index = EXCLUDED.step_index, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		cp.DocumentID, cp.ExecutionID, cp.StepIndex, state, time.Now().UTC())
	return eris.Wrap(err, "postgres: save checkpoint")
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, documentID string) (*model.Checkpoint, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM workflow_checkpoints WHERE document_id = $1`, documentID,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get checkpoint %s", documentID)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(state, &cp); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal checkpoint")
	}
	return &cp, nil
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, documentID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM workflow_checkpoints WHERE document_id = $1`, documentID)
	return eris.Wrap(err, "postgres: delete checkpoint")
}

const providerColumns = `id, name, phone, website, license_number, service_area,
	payment_methods, enriched_sources, enrichment_metadata, last_enriched_at, created_at, updated_at`

func scanProvider(row pgx.Row) (*model.CanonicalProvider, error) {
	var p model.CanonicalProvider
	var area, payments, sources, metadata []byte
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.Website, &p.LicenseNumber,
		&area, &payments, &sources, &metadata,
		&p.LastEnrichedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(area, &p.ServiceArea); err != nil {
		return nil, eris.Wrap(err, "unmarshal service_area")
	}
	if err := json.Unmarshal(payments, &p.PaymentMethods); err != nil {
		return nil, eris.Wrap(err, "unmarshal payment_methods")
	}
	if err := json.Unmarshal(sources, &p.EnrichedSources); err != nil {
		return nil, eris.Wrap(err, "unmarshal enriched_sources")
	}
	if err := json.Unmarshal(metadata, &p.Provenance); err != nil {
		return nil, eris.Wrap(err, "unmarshal enrichment_metadata")
	}
	return &p, nil
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*model.CanonicalProvider, error) {
	p, err := scanProvider(s.pool.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get provider %s", id)
	}
	if err := s.loadCategories(ctx, map[string]*model.CanonicalProvider{p.ID: p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListProviders(ctx context.Context) ([]model.CanonicalProvider, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list providers")
	}
	defer rows.Close()

	var providers []model.CanonicalProvider
	byID := make(map[string]*model.CanonicalProvider)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider")
		}
		providers = append(providers, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list providers rows")
	}
	for i := range providers {
		byID[providers[i].ID] = &providers[i]
	}
	if err := s.loadCategories(ctx, byID); err != nil {
		return nil, err
	}
	return providers, nil
}

func (s *PostgresStore) loadCategories(ctx context.Context, into map[string]*model.CanonicalProvider) error {
	if len(into) == 0 {
		return nil
	}
	ids := make([]string, 0, len(into))
	for id := range into {
		ids = append(ids, id)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT provider_id, category FROM provider_categories
		 WHERE provider_id = ANY($1) ORDER BY provider_id, category`, ids)
	if err != nil {
		return eris.Wrap(err, "postgres: load categories")
	}
	defer rows.Close()

	for rows.Next() {
		var providerID, category string
		if err := rows.Scan(&providerID, &category); err != nil {
			return eris.Wrap(err, "postgres: scan category")
		}
		if p, ok := into[providerID]; ok {
			p.Categories = append(p.Categories, category)
		}
	}
	return eris.Wrap(rows.Err(), "postgres: load categories rows")
}

// UpsertProvider writes the provider row and its category rows atomically.
// Either everything commits or nothing does.
func (s *PostgresStore) UpsertProvider(ctx context.Context, p *model.CanonicalProvider) (string, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	area, err := json.Marshal(p.ServiceArea)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal service_area")
	}
	payments, err := json.Marshal(orEmptySlice(p.PaymentMethods))
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal payment_methods")
	}
	sources, err := json.Marshal(orEmptySlice(p.EnrichedSources))
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal enriched_sources")
	}
	metadata, err := json.Marshal(p.Provenance)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal enrichment_metadata")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO providers (id, name, phone, website, license_number, service_area,
			payment_methods, enriched_sources, enrichment_metadata, last_enriched_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, phone = EXCLUDED.phone, website = EXCLUDED.website,
			license_number = EXCLUDED.license_number, service_area = EXCLUDED.service_area,
			payment_methods = EXCLUDED.payment_methods, enriched_sources = EXCLUDED.enriched_sources,
			enrichment_metadata = EXCLUDED.enrichment_metadata,
			last_enriched_at = EXCLUDED.last_enriched_at, updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Phone, p.Website, p.LicenseNumber, area,
		payments, sources, metadata, p.LastEnrichedAt, now, now,
	); err != nil {
		return "", eris.Wrap(err, "postgres: upsert provider")
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM provider_categories WHERE provider_id = $1`, p.ID); err != nil {
		return "", eris.Wrap(err, "postgres: clear categories")
	}
	for _, category := range p.Categories {
		if _, err := tx.Exec(ctx,
			`INSERT INTO provider_categories (provider_id, category) VALUES ($1, $2)`,
			p.ID, category); err != nil {
			return "", eris.Wrap(err, "postgres: insert category")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: commit upsert")
	}
	return p.ID, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
