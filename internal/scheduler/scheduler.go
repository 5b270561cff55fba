// Package scheduler polls for eligible documents and dispatches workflow
// executions. Workers coordinate only through the store and the lock service,
// so any number of scheduler processes can run against the same database.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/provider-ingest/internal/config"
	"github.com/sells-group/provider-ingest/internal/lock"
	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/store"
)

// Executor runs one claimed document to a terminal status.
type Executor interface {
	Execute(ctx context.Context, doc *model.ScrapedDocument, executionID string) error
}

type Scheduler struct {
	store    store.Store
	locks    lock.Service
	executor Executor
	cfg      config.SchedulerConfig
	log      *zap.Logger
}

func New(st store.Store, locks lock.Service, executor Executor, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:    st,
		locks:    locks,
		executor: executor,
		cfg:      cfg,
		log:      zap.L().Named("scheduler"),
	}
}

// Run polls until ctx is cancelled, interleaving dispatch passes with the
// stale-execution reconciliation sweep.
func (s *Scheduler) Run(ctx context.Context) error {
	poll := time.NewTicker(s.cfg.PollInterval())
	defer poll.Stop()
	reconcile := time.NewTicker(s.cfg.ReconcileInterval())
	defer reconcile.Stop()

	s.log.Info("scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval()),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("concurrency", s.cfg.Concurrency))

	s.Dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return nil
		case <-poll.C:
			s.Dispatch(ctx)
		case <-reconcile.C:
			s.Reconcile(ctx)
		}
	}
}

// Dispatch selects one batch of eligible documents and runs each under its
// execution lock. A document whose lock is held elsewhere is skipped without
// noise; that is the normal multi-worker case.
func (s *Scheduler) Dispatch(ctx context.Context) {
	docs, err := s.store.SelectEligible(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("select eligible documents", zap.Error(err))
		return
	}
	if len(docs) == 0 {
		return
	}

	g := new(errgroup.Group)
	if s.cfg.Concurrency > 0 {
		g.SetLimit(s.cfg.Concurrency)
	}
	for i := range docs {
		doc := docs[i]
		g.Go(func() error {
			s.runOne(ctx, &doc)
			return nil
		})
	}
	g.Wait()
}

func (s *Scheduler) runOne(ctx context.Context, doc *model.ScrapedDocument) {
	token, err := s.locks.Acquire(ctx, doc.ID, s.cfg.LockTTL())
	if errors.Is(err, lock.ErrBusy) {
		return
	}
	if err != nil {
		s.log.Error("acquire lock", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}
	defer func() {
		if err := s.locks.Release(ctx, doc.ID, token); err != nil {
			s.log.Warn("release lock", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}()

	executionID := uuid.New().String()
	if err := s.store.MarkInProgress(ctx, doc.ID, executionID); err != nil {
		// a conflict means the row moved on since the select, not a fault
		if !errors.Is(err, store.ErrConflict) {
			s.log.Error("claim document", zap.String("document_id", doc.ID), zap.Error(err))
		}
		return
	}

	claimed, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		s.log.Error("reload claimed document", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}

	if err := s.executor.Execute(ctx, claimed, executionID); err != nil {
		s.log.Warn("execution ended with error",
			zap.String("document_id", doc.ID),
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

// Reconcile resets in_progress documents whose execution lock has expired,
// making work orphaned by a dead worker eligible again.
func (s *Scheduler) Reconcile(ctx context.Context) {
	n, err := s.store.ResetStale(ctx)
	if err != nil {
		s.log.Error("reconcile stale documents", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("reset stale documents", zap.Int64("count", n))
	}
}
