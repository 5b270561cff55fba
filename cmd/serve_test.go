package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/store"
)

func newServeStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func pauseDocument(t *testing.T, s *store.SQLiteStore, reason string) *model.ScrapedDocument {
	t.Helper()
	ctx := context.Background()
	doc := &model.ScrapedDocument{Source: "yelp", RawContent: "listing"}
	require.NoError(t, s.InsertDocument(ctx, doc))
	require.NoError(t, s.MarkInProgress(ctx, doc.ID, "exec-1"))
	require.NoError(t, s.PauseIntervention(ctx, doc.ID, reason))
	return doc
}

func TestOperatorRouter_Health(t *testing.T) {
	router := newOperatorRouter(newServeStore(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestOperatorRouter_ListInterventions(t *testing.T) {
	s := newServeStore(t)
	doc := pauseDocument(t, s, "2 candidates in ambiguous band")
	router := newOperatorRouter(s)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/interventions", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	var docs []model.ScrapedDocument
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)
	assert.Equal(t, "2 candidates in ambiguous band", docs[0].InterventionReason)
}

func TestOperatorRouter_ListInterventions_Empty(t *testing.T) {
	router := newOperatorRouter(newServeStore(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/interventions", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestOperatorRouter_Resolve(t *testing.T) {
	ctx := context.Background()
	s := newServeStore(t)
	doc := pauseDocument(t, s, "ambiguous")
	providerID, err := s.UpsertProvider(ctx, &model.CanonicalProvider{Name: "Acme Plumbing"})
	require.NoError(t, err)
	router := newOperatorRouter(s)

	body, _ := json.Marshal(map[string]string{"provider_id": providerID})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/interventions/"+doc.ID+"/resolve", bytes.NewReader(body)))

	assert.Equal(t, http.StatusOK, rr.Code)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, providerID, got.LinkedProviderID)
	assert.Empty(t, got.InterventionReason)
}

func TestOperatorRouter_Resolve_MissingProvider(t *testing.T) {
	s := newServeStore(t)
	doc := pauseDocument(t, s, "ambiguous")
	router := newOperatorRouter(s)

	body, _ := json.Marshal(map[string]string{"provider_id": "no-such-provider"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/interventions/"+doc.ID+"/resolve", bytes.NewReader(body)))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOperatorRouter_Resolve_MissingBody(t *testing.T) {
	s := newServeStore(t)
	doc := pauseDocument(t, s, "ambiguous")
	router := newOperatorRouter(s)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/interventions/"+doc.ID+"/resolve", bytes.NewReader([]byte("{}"))))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOperatorRouter_Resolve_WrongStatus(t *testing.T) {
	ctx := context.Background()
	s := newServeStore(t)
	doc := &model.ScrapedDocument{Source: "yelp", RawContent: "listing"}
	require.NoError(t, s.InsertDocument(ctx, doc))
	providerID, err := s.UpsertProvider(ctx, &model.CanonicalProvider{Name: "Acme"})
	require.NoError(t, err)
	router := newOperatorRouter(s)

	// pending documents cannot be resolved, only paused ones
	body, _ := json.Marshal(map[string]string{"provider_id": providerID})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/interventions/"+doc.ID+"/resolve", bytes.NewReader(body)))

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestOperatorRouter_Requeue(t *testing.T) {
	ctx := context.Background()
	s := newServeStore(t)
	doc := &model.ScrapedDocument{Source: "yelp", RawContent: "listing"}
	require.NoError(t, s.InsertDocument(ctx, doc))
	require.NoError(t, s.MarkInProgress(ctx, doc.ID, "exec-1"))
	require.NoError(t, s.FailDocument(ctx, doc.ID, "boom"))
	router := newOperatorRouter(s)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/interventions/"+doc.ID+"/requeue", nil))

	assert.Equal(t, http.StatusOK, rr.Code)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestOperatorRouter_Requeue_PausedWithoutProvider(t *testing.T) {
	ctx := context.Background()
	s := newServeStore(t)
	doc := pauseDocument(t, s, "ambiguous")
	router := newOperatorRouter(s)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/interventions/"+doc.ID+"/requeue", nil))

	assert.Equal(t, http.StatusOK, rr.Code)

	// cleared intervention state, no provider link forced
	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.InterventionReason)
	assert.Empty(t, got.LinkedProviderID)

	eligible, err := s.SelectEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, doc.ID, eligible[0].ID)
}

func TestOperatorRouter_Requeue_WrongStatus(t *testing.T) {
	ctx := context.Background()
	s := newServeStore(t)
	doc := &model.ScrapedDocument{Source: "yelp", RawContent: "listing"}
	require.NoError(t, s.InsertDocument(ctx, doc))
	router := newOperatorRouter(s)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/interventions/"+doc.ID+"/requeue", nil))

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestOperatorRouter_Requeue_NotFound(t *testing.T) {
	router := newOperatorRouter(newServeStore(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/interventions/missing/requeue", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOperatorRouter_GetDocument(t *testing.T) {
	ctx := context.Background()
	s := newServeStore(t)
	doc := &model.ScrapedDocument{Source: "yelp", SourceURL: "https://example.com/biz/1", RawContent: "listing"}
	require.NoError(t, s.InsertDocument(ctx, doc))
	router := newOperatorRouter(s)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID, nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	var got model.ScrapedDocument
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, "https://example.com/biz/1", got.SourceURL)
}

func TestOperatorRouter_GetDocument_NotFound(t *testing.T) {
	router := newOperatorRouter(newServeStore(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents/missing", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
