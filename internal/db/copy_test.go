package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "scraped_documents", []string{"id", "source"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"scraped_documents"}, []string{"id", "source"}).WillReturnResult(3)

	rows := [][]any{{"d1", "yelp"}, {"d2", "angi"}, {"d3", "yelp"}}
	n, err := CopyFrom(context.Background(), mock, "scraped_documents", []string{"id", "source"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"scraped_documents"}, []string{"id"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "scraped_documents", []string{"id"}, [][]any{{"d1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO scraped_documents")
	assert.NoError(t, mock.ExpectationsWereMet())
}
