package data

import (
	"context"
	"time"
)

// Management tiers for edge devices.
const (
	TierBasic   = "basic"
	TierManaged = "managed"
)

// EdgeDevice identifies this gateway to the billing service.
type EdgeDevice struct {
	DeviceID      string    `json:"device_id"`
	TenantID      string    `json:"tenant_id"`
	Hostname      string    `json:"hostname"`
	Tier          string    `json:"management_tier"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type EdgeDeviceModel struct {
	DB DBTX
}

func (m EdgeDeviceModel) Upsert(ctx context.Context, d *EdgeDevice) error {
	query := `
		INSERT INTO edge_devices (device_id, tenant_id, hostname, management_tier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			hostname = EXCLUDED.hostname,
			management_tier = EXCLUDED.management_tier,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		d.DeviceID, d.TenantID, d.Hostname, d.Tier,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	return classify(err)
}

func (m EdgeDeviceModel) Get(ctx context.Context, deviceID string) (*EdgeDevice, error) {
	query := `
		SELECT device_id, tenant_id, hostname, management_tier,
		       COALESCE(last_heartbeat, 'epoch'::timestamptz), created_at, updated_at
		FROM edge_devices
		WHERE device_id = $1`

	var d EdgeDevice
	err := m.DB.QueryRowContext(ctx, query, deviceID).Scan(
		&d.DeviceID, &d.TenantID, &d.Hostname, &d.Tier,
		&d.LastHeartbeat, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	return &d, nil
}

// TouchHeartbeat records a successful heartbeat round-trip.
func (m EdgeDeviceModel) TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) error {
	query := `UPDATE edge_devices SET last_heartbeat = $2, updated_at = NOW() WHERE device_id = $1`
	res, err := m.DB.ExecContext(ctx, query, deviceID, at)
	if err != nil {
		return classify(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
