// Package workflow runs one document through the ingestion pipeline as a
// checkpointed step sequence. The checkpoint persists extraction output and
// the chosen provider id, so a crashed execution resumes at the first
// unexecuted step instead of repeating network calls or provider writes.
package workflow

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/config"
	"github.com/sells-group/provider-ingest/internal/consolidate"
	"github.com/sells-group/provider-ingest/internal/extract"
	"github.com/sells-group/provider-ingest/internal/geo"
	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/resolver"
	"github.com/sells-group/provider-ingest/internal/store"
)

// Step numbers persisted in checkpoints. A checkpoint's StepIndex is the last
// completed step; read-only and pure steps (history, geo, consolidation) are
// recomputed on resume, so only the index of side-effecting steps matters.
// Writeback is the final step and always runs after stepPersist.
const (
	stepExtract = 1
	stepHistory = 2
	stepGeo     = 3
	stepResolve = 4
	stepPersist = 6
)

type Orchestrator struct {
	store     store.Store
	extractor extract.Client
	geo       *geo.Normalizer
	cfg       config.ResolverConfig
	log       *zap.Logger
}

func New(st store.Store, extractor extract.Client, normalizer *geo.Normalizer, cfg config.ResolverConfig) *Orchestrator {
	return &Orchestrator{
		store:     st,
		extractor: extractor,
		geo:       normalizer,
		cfg:       cfg,
		log:       zap.L().Named("workflow"),
	}
}

// Execute drives the document, already marked in_progress under executionID,
// to a terminal status. The returned error reports infrastructure trouble the
// caller should log; domain failures land on the document itself.
func (o *Orchestrator) Execute(ctx context.Context, doc *model.ScrapedDocument, executionID string) error {
	log := o.log.With(
		zap.String("document_id", doc.ID),
		zap.String("execution_id", executionID),
		zap.String("source", doc.Source))

	cp, err := o.store.GetCheckpoint(ctx, doc.ID)
	if err != nil {
		return o.fail(ctx, log, doc, eris.Wrap(err, "load checkpoint"))
	}
	if cp == nil {
		cp = &model.Checkpoint{DocumentID: doc.ID}
	} else {
		log.Info("resuming from checkpoint", zap.Int("step", cp.StepIndex))
	}
	cp.ExecutionID = executionID

	fields := cp.Fields
	if cp.StepIndex < stepExtract {
		fields, err = o.extractor.Extract(ctx, doc)
		if err != nil {
			return o.fail(ctx, log, doc, eris.Wrap(err, "extract"))
		}
		cp.Fields = fields
		if err := o.checkpoint(ctx, cp, stepExtract); err != nil {
			return o.fail(ctx, log, doc, err)
		}
	}

	priorID, err := o.loadHistory(ctx, log, doc)
	if err != nil {
		return o.fail(ctx, log, doc, err)
	}
	if cp.StepIndex < stepHistory {
		if err := o.checkpoint(ctx, cp, stepHistory); err != nil {
			return o.fail(ctx, log, doc, err)
		}
	}

	area := o.geo.Normalize(fields.ServiceAreas)
	if cp.StepIndex < stepGeo {
		if area.UnmappedCount > 0 {
			log.Debug("unmapped service areas", zap.Int("count", area.UnmappedCount))
		}
		if err := o.checkpoint(ctx, cp, stepGeo); err != nil {
			return o.fail(ctx, log, doc, err)
		}
	}

	providerID := cp.ProviderID
	if cp.StepIndex < stepResolve {
		providerID, err = o.resolve(ctx, log, doc, fields, cp, priorID)
		if err != nil {
			return o.fail(ctx, log, doc, err)
		}
		if doc.Status == model.StatusPausedIntervention {
			return nil
		}
		cp.ProviderID = providerID
		if err := o.checkpoint(ctx, cp, stepResolve); err != nil {
			return o.fail(ctx, log, doc, err)
		}
	}

	if cp.StepIndex < stepPersist {
		var canonical *model.CanonicalProvider
		if providerID != "" {
			canonical, err = o.store.GetProvider(ctx, providerID)
			if err != nil {
				return o.fail(ctx, log, doc, eris.Wrapf(err, "load provider %s", providerID))
			}
		}
		merged := consolidate.Consolidate(canonical, fields, area, doc.Source, doc.ScrapedAt)
		providerID, err = o.store.UpsertProvider(ctx, merged)
		if err != nil {
			return o.fail(ctx, log, doc, eris.Wrap(err, "persist provider"))
		}
		cp.ProviderID = providerID
		if err := o.checkpoint(ctx, cp, stepPersist); err != nil {
			return o.fail(ctx, log, doc, err)
		}
	}

	if err := o.store.CompleteDocument(ctx, doc.ID, providerID); err != nil {
		return o.fail(ctx, log, doc, eris.Wrap(err, "write back completion"))
	}
	if err := o.store.DeleteCheckpoint(ctx, doc.ID); err != nil {
		log.Warn("delete checkpoint", zap.Error(err))
	}
	log.Info("document completed", zap.String("provider_id", providerID))
	return nil
}

// loadHistory finds the provider that earlier completed captures of the same
// listing URL were linked to. A re-scrape of a known listing resolves to that
// provider without rescoring; links to providers merged away since are
// skipped.
func (o *Orchestrator) loadHistory(ctx context.Context, log *zap.Logger, doc *model.ScrapedDocument) (string, error) {
	history, err := o.store.ListSourceHistory(ctx, doc.SourceURL)
	if err != nil {
		return "", eris.Wrap(err, "load source history")
	}
	for i := range history {
		prior := &history[i]
		if prior.ID == doc.ID || prior.LinkedProviderID == "" {
			continue
		}
		if _, err := o.store.GetProvider(ctx, prior.LinkedProviderID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return "", eris.Wrap(err, "load prior provider")
		}
		lineage, err := o.store.ListProviderLineage(ctx, prior.LinkedProviderID)
		if err != nil {
			return "", eris.Wrap(err, "load lineage")
		}
		log.Info("found prior capture of listing",
			zap.String("provider_id", prior.LinkedProviderID),
			zap.Int("prior_documents", len(lineage)))
		return prior.LinkedProviderID, nil
	}
	return "", nil
}

// resolve picks the target provider. An operator-set link wins outright, then
// a prior capture of the same listing; otherwise the scored decision applies.
// On Intervene the document is paused and doc.Status reflects that, with the
// checkpoint kept so the eventual re-run skips extraction.
func (o *Orchestrator) resolve(ctx context.Context, log *zap.Logger, doc *model.ScrapedDocument, fields *model.StructuredFields, cp *model.Checkpoint, priorID string) (string, error) {
	if doc.LinkedProviderID != "" {
		log.Info("using operator-selected provider", zap.String("provider_id", doc.LinkedProviderID))
		return doc.LinkedProviderID, nil
	}
	if priorID != "" {
		log.Info("linking provider from listing history", zap.String("provider_id", priorID))
		return priorID, nil
	}

	providers, err := o.store.ListProviders(ctx)
	if err != nil {
		return "", eris.Wrap(err, "list providers")
	}

	switch d := resolver.Resolve(fields, providers, o.cfg).(type) {
	case resolver.AutoLink:
		log.Info("auto-linked", zap.String("provider_id", d.ProviderID), zap.Float64("score", d.Score))
		return d.ProviderID, nil
	case resolver.Intervene:
		reason := d.Reason()
		if err := o.store.PauseIntervention(ctx, doc.ID, reason); err != nil {
			return "", eris.Wrap(err, "pause for intervention")
		}
		if err := o.checkpoint(ctx, cp, stepGeo); err != nil {
			log.Warn("save checkpoint", zap.Error(err))
		}
		doc.Status = model.StatusPausedIntervention
		log.Info("paused for intervention", zap.Int("candidates", len(d.Candidates)))
		return "", nil
	default:
		log.Info("creating new provider")
		return "", nil
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, cp *model.Checkpoint, step int) error {
	cp.StepIndex = step
	if err := o.store.SaveCheckpoint(ctx, cp); err != nil {
		return eris.Wrapf(err, "save checkpoint at step %d", step)
	}
	return nil
}

// fail moves the document to failed, captures the error message, and clears
// the checkpoint so an operator-triggered retry starts fresh.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, doc *model.ScrapedDocument, cause error) error {
	log.Error("execution failed", zap.Error(cause))
	if err := o.store.FailDocument(ctx, doc.ID, cause.Error()); err != nil {
		return eris.Wrap(err, "mark document failed")
	}
	if err := o.store.DeleteCheckpoint(ctx, doc.ID); err != nil {
		log.Warn("delete checkpoint", zap.Error(err))
	}
	return cause
}
