package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-ingest/internal/db"
)

// PostgresService stores leases in the execution_locks table. Acquisition is a
// single upsert guarded by the lease expiry, so it is atomic across workers.
type PostgresService struct {
	pool db.Pool
}

func NewPostgres(pool db.Pool) *PostgresService {
	return &PostgresService{pool: pool}
}

func (s *PostgresService) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO execution_locks (key, token, locked_until)
		 VALUES ($1, $2, now() + make_interval(secs => $3))
		 ON CONFLICT (key) DO UPDATE
		 SET token = excluded.token, locked_until = excluded.locked_until
		 WHERE execution_locks.locked_until <= now()`,
		key, token, ttl.Seconds())
	if err != nil {
		return "", eris.Wrapf(err, "lock: acquire %s", key)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrBusy
	}
	return token, nil
}

func (s *PostgresService) Release(ctx context.Context, key, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM execution_locks WHERE key = $1 AND token = $2`, key, token)
	return eris.Wrapf(err, "lock: release %s", key)
}
