package data_test

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-edge/internal/data"
)

func testEvent(typ string) *data.UsageEvent {
	return &data.UsageEvent{
		ID:        uuid.New(),
		TenantID:  "t1",
		DeviceID:  "dev-1",
		CameraID:  "cam-1",
		Type:      typ,
		Quantity:  1,
		Unit:      "calls",
		EventTime: time.Now().UTC(),
	}
}

func TestSaveBatch_AllOrNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := data.UsageModel{DB: db}
	events := []*data.UsageEvent{testEvent(data.UsageAPICall), testEvent(data.UsageWebhookCall)}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usage_events").WillReturnError(driver.ErrBadConn)
	mock.ExpectRollback()

	err = m.SaveBatch(context.Background(), events)
	assert.ErrorIs(t, err, data.ErrBackendUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatch_Commit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := data.UsageModel{DB: db}
	events := []*data.UsageEvent{testEvent(data.UsageAPICall)}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.SaveBatch(context.Background(), events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatch_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := data.UsageModel{DB: db}
	require.NoError(t, m.SaveBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindUnsynced_OrderAndLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := data.UsageModel{DB: db}
	id := uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "device_id", "camera_id", "event_type",
		"quantity", "unit", "metadata", "event_time", "synced",
	}).AddRow(id, "t1", "dev-1", "cam-1", data.UsageAPICall, 2.0, "calls", []byte("{}"), now, false)

	mock.ExpectQuery("SELECT (.+) FROM usage_events").
		WithArgs(50).
		WillReturnRows(rows)

	got, err := m.FindUnsynced(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.False(t, got[0].Synced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSynced_Idempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := data.UsageModel{DB: db}
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	// Second call affects zero rows; both succeed.
	mock.ExpectExec("UPDATE usage_events SET synced = true").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE usage_events SET synced = true").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, m.MarkSynced(context.Background(), ids))
	require.NoError(t, m.MarkSynced(context.Background(), ids))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSumByType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := data.UsageModel{DB: db}
	rows := sqlmock.NewRows([]string{"event_type", "sum"}).
		AddRow(data.UsageAPICall, 42.0).
		AddRow(data.UsageLLMTokens, 1500.0)

	mock.ExpectQuery("SELECT event_type, COALESCE").WillReturnRows(rows)

	sums, err := m.SumByType(context.Background(), "t1", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 42.0, sums[data.UsageAPICall])
	assert.Equal(t, 1500.0, sums[data.UsageLLMTokens])
}

func TestDeleteOld_Bounded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := data.UsageModel{DB: db}
	mock.ExpectExec("DELETE FROM usage_events").WillReturnResult(sqlmock.NewResult(0, 500))

	n, err := m.DeleteOld(context.Background(), 90*24*time.Hour, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
}
