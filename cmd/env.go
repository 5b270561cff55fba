package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/extract"
	"github.com/sells-group/provider-ingest/internal/geo"
	"github.com/sells-group/provider-ingest/internal/lock"
	"github.com/sells-group/provider-ingest/internal/scheduler"
	"github.com/sells-group/provider-ingest/internal/store"
	"github.com/sells-group/provider-ingest/internal/workflow"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "ingest.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initLocks(st store.Store) (lock.Service, error) {
	switch s := st.(type) {
	case *store.PostgresStore:
		return lock.NewPostgres(s.Pool()), nil
	case *store.SQLiteStore:
		return lock.NewSQLite(s.DB()), nil
	default:
		return nil, eris.Errorf("no lock service for store %T", st)
	}
}

func initGeo() (*geo.Normalizer, error) {
	if cfg.Geo.TablePath == "" {
		return geo.NewNormalizer(geo.DefaultTable()), nil
	}
	table, err := geo.LoadTable(cfg.Geo.TablePath)
	if err != nil {
		return nil, eris.Wrap(err, "load geo table")
	}
	return geo.NewNormalizer(table), nil
}

// env bundles the subsystems a command needs. Close releases the store.
type env struct {
	store     store.Store
	locks     lock.Service
	orch      *workflow.Orchestrator
	scheduler *scheduler.Scheduler
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	locks, err := initLocks(st)
	if err != nil {
		st.Close()
		return nil, err
	}
	normalizer, err := initGeo()
	if err != nil {
		st.Close()
		return nil, err
	}

	extractor := extract.NewClient(cfg.Extractor)
	orch := workflow.New(st, extractor, normalizer, cfg.Resolver)
	return &env{
		store:     st,
		locks:     locks,
		orch:      orch,
		scheduler: scheduler.New(st, locks, orch, cfg.Scheduler),
	}, nil
}
