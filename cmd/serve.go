package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator HTTP interface",
	Long:  "Serves the intervention queue: list paused documents, resolve them to a provider, and re-queue failed work.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newOperatorRouter(st),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			// the signal context is already cancelled; draining needs its own
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting operator server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newOperatorRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/interventions", func(w http.ResponseWriter, req *http.Request) {
		docs, err := st.ListByStatus(req.Context(), model.StatusPausedIntervention, 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if docs == nil {
			docs = []model.ScrapedDocument{}
		}
		writeJSON(w, http.StatusOK, docs)
	})

	r.Post("/interventions/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		var body struct {
			ProviderID string `json:"provider_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.ProviderID == "" {
			writeError(w, http.StatusBadRequest, eris.New("provider_id is required"))
			return
		}
		if _, err := st.GetProvider(req.Context(), body.ProviderID); err != nil {
			writeStoreError(w, err)
			return
		}
		if err := st.ResolveIntervention(req.Context(), id, body.ProviderID); err != nil {
			writeStoreError(w, err)
			return
		}
		zap.L().Info("intervention resolved",
			zap.String("document_id", id),
			zap.String("provider_id", body.ProviderID))
		writeJSON(w, http.StatusOK, map[string]string{
			"document_id": id,
			"provider_id": body.ProviderID,
			"status":      string(model.StatusPending),
		})
	})

	r.Post("/interventions/{id}/requeue", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if err := requeueDocument(req.Context(), st, id); err != nil {
			writeStoreError(w, err)
			return
		}
		zap.L().Info("document requeued", zap.String("document_id", id))
		writeJSON(w, http.StatusOK, map[string]string{
			"document_id": id,
			"status":      string(model.StatusPending),
		})
	})

	r.Get("/documents/{id}", func(w http.ResponseWriter, req *http.Request) {
		doc, err := st.GetDocument(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})

	return r
}

// requeueDocument returns a document to pending. A paused document has its
// intervention state cleared without linking a provider; a failed one is the
// operator retry path.
func requeueDocument(ctx context.Context, st store.Store, id string) error {
	doc, err := st.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	switch doc.Status {
	case model.StatusPausedIntervention:
		return st.ResolveIntervention(ctx, id, "")
	case model.StatusFailed:
		return st.RequeueFailed(ctx, id)
	default:
		return eris.Wrapf(store.ErrConflict, "requeue %s from %s", id, doc.Status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
