package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// SQLiteService stores leases in the execution_locks table of a SQLite
// database. SQLite serializes writers, so the guarded upsert stays atomic.
type SQLiteService struct {
	db *sql.DB
}

func NewSQLite(sqlDB *sql.DB) *SQLiteService {
	return &SQLiteService{db: sqlDB}
}

func (s *SQLiteService) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_locks (key, token, locked_until)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET token = excluded.token, locked_until = excluded.locked_until
		 WHERE execution_locks.locked_until <= ?`,
		key, token, now.Add(ttl), now)
	if err != nil {
		return "", eris.Wrapf(err, "lock: acquire %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", eris.Wrapf(err, "lock: acquire %s rows affected", key)
	}
	if n == 0 {
		return "", ErrBusy
	}
	return token, nil
}

func (s *SQLiteService) Release(ctx context.Context, key, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE key = ? AND token = ?`, key, token)
	return eris.Wrapf(err, "lock: release %s", key)
}
