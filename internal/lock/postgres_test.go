package lock

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockService(t *testing.T) (*PostgresService, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgres(mock), mock
}

func TestPostgresAcquire(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectExec(`INSERT INTO execution_locks`).
		WithArgs("doc-1", pgxmock.AnyArg(), 60.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	token, err := svc.Acquire(context.Background(), "doc-1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquireBusy(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectExec(`INSERT INTO execution_locks`).
		WithArgs("doc-1", pgxmock.AnyArg(), 60.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err := svc.Acquire(context.Background(), "doc-1", time.Minute)
	assert.ErrorIs(t, err, ErrBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRelease(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectExec(`DELETE FROM execution_locks`).
		WithArgs("doc-1", "tok").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, svc.Release(context.Background(), "doc-1", "tok"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReleaseExpired(t *testing.T) {
	svc, mock := newMockService(t)

	// the row was already reclaimed by another token
	mock.ExpectExec(`DELETE FROM execution_locks`).
		WithArgs("doc-1", "stale").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	assert.NoError(t, svc.Release(context.Background(), "doc-1", "stale"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
