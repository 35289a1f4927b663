package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
)

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *SQLite) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return mock, NewSQLiteFromDB(db, WithLogger(zap.NewNop()))
}

func TestDeleteOlderThan_CommitsOnce(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM air_quality_readings WHERE t < \?`).
		WithArgs(int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := s.DeleteOlderThan(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOlderThan_RollsBackOnError(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM air_quality_readings`).
		WithArgs(int64(200)).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	n, err := s.DeleteOlderThan(context.Background(), 200)
	require.Error(t, err)
	assert.Equal(t, int64(0), n)

	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "delete older than", serr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOlderThan_CommitFailure(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM air_quality_readings`).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	n, err := s.DeleteOlderThan(context.Background(), 200)
	require.Error(t, err)
	assert.Equal(t, int64(0), n)
	assert.True(t, IsStorageError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_ConnectionLossIsStorageError(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectExec(`INSERT INTO air_quality_readings`).
		WillReturnError(errors.New("connection reset"))

	ts := int64(1000)
	err := s.Upsert(context.Background(), 1, reading.Fields{T: &ts})
	require.Error(t, err)

	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "upsert", serr.Op)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindNearby_QueryFailure(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM air_quality_readings`).
		WillReturnError(errors.New("timeout"))

	got, err := s.FindNearby(context.Background(), 40.44, -79.99, 50, 0)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, IsStorageError(err))
}
