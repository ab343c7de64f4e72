package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"antitheft-alarm/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockHistoryDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *HistoryRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewHistoryRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestHistoryInsert_New(t *testing.T) {
	db, mock, repo := setupMockHistoryDB(t)
	defer db.Close()

	entry := &models.HistoryEntry{
		LogID:      "log-1",
		OwnerEmail: "a@b.com",
		DeviceID:   "cam1",
		Message:    "Detected",
		DetectedAt: time.UnixMilli(1000).UTC(),
	}

	mock.ExpectExec(`INSERT INTO detection_history`).
		WithArgs("log-1", "a@b.com", "cam1", "", "", "Detected", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.Insert(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryInsert_Duplicate(t *testing.T) {
	db, mock, repo := setupMockHistoryDB(t)
	defer db.Close()

	mock.ExpectExec(`ON CONFLICT \(log_id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), &models.HistoryEntry{LogID: "log-1", OwnerEmail: "a@b.com"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryInsert_Error(t *testing.T) {
	db, mock, repo := setupMockHistoryDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO detection_history`).
		WillReturnError(errors.New("connection reset"))

	_, err := repo.Insert(context.Background(), &models.HistoryEntry{LogID: "log-1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert history")
}

func TestHistoryListByOwner(t *testing.T) {
	db, mock, repo := setupMockHistoryDB(t)
	defer db.Close()

	t1 := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"log_id", "owner_email", "device_id", "image_name", "image_url", "message", "detected_at",
	}).
		AddRow("log-2", "a@b.com", "cam1", "b.jpg", "https://cdn/b.jpg", "Detected", t1).
		AddRow("log-1", "a@b.com", nil, nil, nil, "Log", t2)

	mock.ExpectQuery(`SELECT (.+) FROM detection_history`).
		WithArgs("a@b.com", sqlmock.AnyArg(), 500).
		WillReturnRows(rows)

	entries, err := repo.ListByOwner(context.Background(), "a@b.com", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "log-2", entries[0].LogID)
	assert.Equal(t, "b.jpg", entries[0].ImageName)
	assert.Equal(t, t1, entries[0].DetectedAt)
	assert.Equal(t, "", entries[1].DeviceID)
	assert.Equal(t, "Log", entries[1].Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryEnsureSchema(t *testing.T) {
	db, mock, repo := setupMockHistoryDB(t)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS detection_history`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
