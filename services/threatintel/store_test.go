package threatintel

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestNewStore_AppliesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(".*CREATE TABLE.*blocklist.*").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = NewStore(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertUsesUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0)) // schema
	mock.ExpectExec("INSERT INTO blocklist").
		WithArgs("203.0.113.7", int64(1000), "syn_flood", int64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store, err := NewStore(context.Background(), db)
	require.NoError(t, err)

	err = store.Insert(context.Background(), Row{IP: "203.0.113.7", BlockedUntilUs: 1000, Reason: "syn_flood", CreatedAt: 500})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_NonExpiredFiltersRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0)) // schema
	rows := sqlmock.NewRows([]string{"ip", "blocked_until_us", "reason", "created_at"}).
		AddRow("203.0.113.7", int64(5000), "syn_flood", int64(100))
	mock.ExpectQuery("SELECT ip, blocked_until_us, reason, created_at FROM blocklist").
		WithArgs(int64(1000)).
		WillReturnRows(rows)

	store, err := NewStore(context.Background(), db)
	require.NoError(t, err)

	got, err := store.NonExpired(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "203.0.113.7", got[0].IP)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PruneExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0)) // schema
	mock.ExpectExec("DELETE FROM blocklist").
		WithArgs(int64(9999)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	store, err := NewStore(context.Background(), db)
	require.NoError(t, err)

	require.NoError(t, store.PruneExpired(context.Background(), 9999))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertBatchIsTransactional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0)) // schema
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO blocklist").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO blocklist").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store, err := NewStore(context.Background(), db)
	require.NoError(t, err)

	rows := []Row{
		{IP: "203.0.113.7", BlockedUntilUs: 1000, Reason: "a", CreatedAt: 1},
		{IP: "203.0.113.8", BlockedUntilUs: 2000, Reason: "b", CreatedAt: 2},
	}
	require.NoError(t, store.InsertBatch(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertBatchEmptyIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0)) // schema
	store, err := NewStore(context.Background(), db)
	require.NoError(t, err)

	require.NoError(t, store.InsertBatch(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
