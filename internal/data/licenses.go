package data

import (
	"context"
	"time"

	"github.com/lib/pq"
)

// License modes as reported by the billing service.
const (
	ModeTrial      = "trial"
	ModeBase       = "base"
	ModeUnlicensed = "unlicensed"
)

// CameraLicense is the durable record of the last successful validation
// for one camera. camera_id is unique; the license plane is the only writer.
type CameraLicense struct {
	CameraID      string    `json:"camera_id"`
	TenantID      string    `json:"tenant_id"`
	DeviceID      string    `json:"device_id"`
	Mode          string    `json:"mode"`
	IsValid       bool      `json:"is_valid"`
	ValidUntil    time.Time `json:"valid_until"`
	GrowthPacks   []string  `json:"growth_packs"`
	LastValidated time.Time `json:"last_validated"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type CameraLicenseModel struct {
	DB DBTX
}

// Upsert inserts or refreshes the license row for a camera.
func (m CameraLicenseModel) Upsert(ctx context.Context, l *CameraLicense) error {
	query := `
		INSERT INTO camera_licenses (
			camera_id, tenant_id, device_id, mode, is_valid,
			valid_until, growth_packs, last_validated
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (camera_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			device_id = EXCLUDED.device_id,
			mode = EXCLUDED.mode,
			is_valid = EXCLUDED.is_valid,
			valid_until = EXCLUDED.valid_until,
			growth_packs = EXCLUDED.growth_packs,
			last_validated = EXCLUDED.last_validated,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		l.CameraID, l.TenantID, l.DeviceID, l.Mode, l.IsValid,
		l.ValidUntil, pq.Array(l.GrowthPacks), l.LastValidated,
	).Scan(&l.CreatedAt, &l.UpdatedAt)

	return classify(err)
}

func (m CameraLicenseModel) GetByCamera(ctx context.Context, cameraID string) (*CameraLicense, error) {
	query := `
		SELECT camera_id, tenant_id, device_id, mode, is_valid,
		       valid_until, growth_packs, last_validated, created_at, updated_at
		FROM camera_licenses
		WHERE camera_id = $1`

	var l CameraLicense
	var packs []string
	err := m.DB.QueryRowContext(ctx, query, cameraID).Scan(
		&l.CameraID, &l.TenantID, &l.DeviceID, &l.Mode, &l.IsValid,
		&l.ValidUntil, pq.Array(&packs), &l.LastValidated, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	l.GrowthPacks = packs
	return &l, nil
}

func (m CameraLicenseModel) DeleteByCamera(ctx context.Context, cameraID string) error {
	query := `DELETE FROM camera_licenses WHERE camera_id = $1`
	res, err := m.DB.ExecContext(ctx, query, cameraID)
	if err != nil {
		return classify(err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// CountActiveTrial counts trial licenses whose valid_until is still in the
// future. Used for TRIAL_CAMERA_LIMIT enforcement.
func (m CameraLicenseModel) CountActiveTrial(ctx context.Context, tenantID string) (int, error) {
	query := `
		SELECT count(*) FROM camera_licenses
		WHERE tenant_id = $1 AND mode = $2 AND valid_until > NOW()`
	var count int
	err := m.DB.QueryRowContext(ctx, query, tenantID, ModeTrial).Scan(&count)
	return count, classify(err)
}

func (m CameraLicenseModel) ListByTenant(ctx context.Context, tenantID string) ([]*CameraLicense, error) {
	query := `
		SELECT camera_id, tenant_id, device_id, mode, is_valid,
		       valid_until, growth_packs, last_validated, created_at, updated_at
		FROM camera_licenses
		WHERE tenant_id = $1
		ORDER BY camera_id`

	rows, err := m.DB.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*CameraLicense
	for rows.Next() {
		var l CameraLicense
		var packs []string
		if err := rows.Scan(
			&l.CameraID, &l.TenantID, &l.DeviceID, &l.Mode, &l.IsValid,
			&l.ValidUntil, pq.Array(&packs), &l.LastValidated, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, classify(err)
		}
		l.GrowthPacks = packs
		out = append(out, &l)
	}
	return out, classify(rows.Err())
}

// FindExpiringSoon returns licenses expiring within the window, for
// proactive re-validation by the scheduler.
func (m CameraLicenseModel) FindExpiringSoon(ctx context.Context, within time.Duration) ([]*CameraLicense, error) {
	query := `
		SELECT camera_id, tenant_id, device_id, mode, is_valid,
		       valid_until, growth_packs, last_validated, created_at, updated_at
		FROM camera_licenses
		WHERE is_valid = true AND valid_until < $1
		ORDER BY valid_until`

	rows, err := m.DB.QueryContext(ctx, query, time.Now().Add(within))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*CameraLicense
	for rows.Next() {
		var l CameraLicense
		var packs []string
		if err := rows.Scan(
			&l.CameraID, &l.TenantID, &l.DeviceID, &l.Mode, &l.IsValid,
			&l.ValidUntil, pq.Array(&packs), &l.LastValidated, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, classify(err)
		}
		l.GrowthPacks = packs
		out = append(out, &l)
	}
	return out, classify(rows.Err())
}

// SetInvalid flips is_valid off without touching the rest of the row.
// Used when the offline grace period lapses.
func (m CameraLicenseModel) SetInvalid(ctx context.Context, cameraID string) error {
	query := `UPDATE camera_licenses SET is_valid = false, updated_at = NOW() WHERE camera_id = $1`
	res, err := m.DB.ExecContext(ctx, query, cameraID)
	if err != nil {
		return classify(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
