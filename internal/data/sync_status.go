package data

import (
	"context"
	"time"
)

// SyncStatus records the device's standing with the billing service. One
// row per device; the license plane and usage tracker both report into it.
type SyncStatus struct {
	DeviceID            string    `json:"device_id"`
	LastSyncAt          time.Time `json:"last_sync_at"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Degraded            bool      `json:"degraded"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type SyncStatusModel struct {
	DB DBTX
}

func (m SyncStatusModel) Upsert(ctx context.Context, s *SyncStatus) error {
	query := `
		INSERT INTO billing_sync_status (
			device_id, last_sync_at, last_error, consecutive_failures, degraded
		)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			last_sync_at = EXCLUDED.last_sync_at,
			last_error = EXCLUDED.last_error,
			consecutive_failures = EXCLUDED.consecutive_failures,
			degraded = EXCLUDED.degraded,
			updated_at = NOW()
		RETURNING updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		s.DeviceID, s.LastSyncAt, s.LastError, s.ConsecutiveFailures, s.Degraded,
	).Scan(&s.UpdatedAt)
	return classify(err)
}

func (m SyncStatusModel) Get(ctx context.Context, deviceID string) (*SyncStatus, error) {
	query := `
		SELECT device_id, last_sync_at, COALESCE(last_error, ''),
		       consecutive_failures, degraded, updated_at
		FROM billing_sync_status
		WHERE device_id = $1`

	var s SyncStatus
	err := m.DB.QueryRowContext(ctx, query, deviceID).Scan(
		&s.DeviceID, &s.LastSyncAt, &s.LastError,
		&s.ConsecutiveFailures, &s.Degraded, &s.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}
