package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/internal/repository/testutil"
)

func TestGreylistRepository_Upsert(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewGreylistRepository(db)

	entry := &domain.GreylistEntry{
		RequestID:   "req-1",
		Emails:      []string{"a@example.com", "b@example.com"},
		LastTriedAt: time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO greylist_entries").
		WithArgs("req-1", []byte(`["a@example.com","b@example.com"]`), 0,
			entry.LastTriedAt, false, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Upsert(context.Background(), entry))
	assert.False(t, entry.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGreylistRepository_MarkReturned(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewGreylistRepository(db)

	lastTried := time.Now().UTC()
	mock.ExpectExec("SET returned = TRUE").
		WithArgs("req-1", 2, lastTried, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkReturned(context.Background(), "req-1", 2, lastTried))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGreylistRepository_MarkMaxRetriesReached(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewGreylistRepository(db)

	mock.ExpectExec("SET max_retries_reached = TRUE, returned = TRUE").
		WithArgs("req-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkMaxRetriesReached(context.Background(), "req-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGreylistRepository_Get(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewGreylistRepository(db)

	t.Run("returns the entry", func(t *testing.T) {
		now := time.Now().UTC()
		rows := sqlmock.NewRows([]string{
			"request_id", "emails", "retry_count", "last_tried_at",
			"max_retries_reached", "returned", "created_at", "updated_at",
		}).AddRow("req-1", []byte(`["a@example.com"]`), 3, now, false, true, now, now)

		mock.ExpectQuery("SELECT request_id, emails, retry_count").
			WithArgs("req-1").
			WillReturnRows(rows)

		entry, err := repo.Get(context.Background(), "req-1")
		require.NoError(t, err)
		assert.Equal(t, 3, entry.RetryCount)
		assert.True(t, entry.Returned)
		assert.Equal(t, []string{"a@example.com"}, entry.Emails)
	})

	t.Run("returns ErrNotFound for a missing row", func(t *testing.T) {
		mock.ExpectQuery("SELECT request_id, emails, retry_count").
			WithArgs("req-missing").
			WillReturnRows(sqlmock.NewRows([]string{"request_id"}))

		_, err := repo.Get(context.Background(), "req-missing")
		require.Error(t, err)
		assert.IsType(t, &domain.ErrNotFound{}, err)
	})
}

func TestGreylistRepository_List(t *testing.T) {
	db, mock, cleanup := testutil.SetupMockDB(t)
	defer cleanup()

	repo := NewGreylistRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"request_id", "emails", "retry_count", "last_tried_at",
		"max_retries_reached", "returned", "created_at", "updated_at",
	}).
		AddRow("req-1", []byte(`["a@example.com"]`), 0, now, false, false, now, now).
		AddRow("req-2", []byte(`["b@example.com"]`), 5, now, true, true, now, now)

	mock.ExpectQuery("FROM greylist_entries").
		WillReturnRows(rows)

	entries, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].MaxRetriesReached)
	assert.True(t, entries[1].MaxRetriesReached)
}
