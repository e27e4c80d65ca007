package registry_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-edge/internal/billing"
	"github.com/technosupport/ts-edge/internal/cache"
	"github.com/technosupport/ts-edge/internal/data"
	"github.com/technosupport/ts-edge/internal/license"
	"github.com/technosupport/ts-edge/internal/registry"
)

// unlicensedBilling always reports the camera as unlicensed.
type unlicensedBilling struct{ billing.Service }

func (unlicensedBilling) ValidateCameraLicense(context.Context, string, string, string) (*billing.LicenseResult, error) {
	return &billing.LicenseResult{
		IsValid:     false,
		LicenseMode: data.ModeUnlicensed,
		GrowthPacks: []string{},
	}, nil
}

func (unlicensedBilling) Heartbeat(context.Context, billing.HeartbeatRequest) (*billing.HeartbeatResult, error) {
	return &billing.HeartbeatResult{Status: "ok"}, nil
}

func newTestRegistry(t *testing.T, svc billing.Service) (*registry.Registry, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tc, err := cache.New(rdb, 128, zerolog.Nop())
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT (.+) FROM billing_sync_status`).
		WillReturnError(sql.ErrNoRows)

	licenses := data.CameraLicenseModel{DB: db}
	v := license.NewValidator(
		license.Config{DeviceID: "dev-1"},
		tc, svc, licenses,
		data.EntitlementModel{DB: db},
		data.SyncStatusModel{DB: db},
		license.DefaultGrowthPacks(),
		nil, zerolog.Nop(),
	)

	r := registry.New(
		registry.Config{DeviceID: "dev-1", TenantID: "T1", ManagementTier: data.TierBasic},
		v, licenses, data.EdgeDeviceModel{DB: db}, svc, nil, nil, nil, zerolog.Nop(),
	)
	return r, mock
}

func expectValidation(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`INSERT INTO billing_sync_status`).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	mock.ExpectQuery(`INSERT INTO camera_licenses`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(time.Now(), time.Now()))
}

func expectHeartbeatTouch(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`UPDATE edge_devices SET last_heartbeat`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestTrialIssuance_TwoCamerasThenLimit(t *testing.T) {
	r, mock := newTestRegistry(t, billing.NewMockService())
	ctx := context.Background()

	expectValidation(mock)
	expectHeartbeatTouch(mock)
	c1, err := r.CreateCamera(ctx, "C1", "", "T1")
	require.NoError(t, err)
	assert.Equal(t, "C1", c1.ID)
	assert.Equal(t, "C1", c1.Name)
	assert.Equal(t, data.ModeTrial, c1.License.Mode)
	assert.Empty(t, c1.License.GrowthPacks)
	assert.True(t, c1.Processor.Running())

	expectValidation(mock)
	expectHeartbeatTouch(mock)
	_, err = r.CreateCamera(ctx, "C2", "", "T1")
	require.NoError(t, err)

	// Third camera exceeds cameras_allowed=2; the just-written license
	// row is cleaned up.
	expectValidation(mock)
	mock.ExpectExec(`DELETE FROM camera_licenses`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	_, err = r.CreateCamera(ctx, "C3", "", "T1")
	assert.ErrorIs(t, err, registry.ErrLicenseLimitExceeded)

	assert.ElementsMatch(t, []string{"C1", "C2"}, r.ActiveCameraIDs())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCamera_DuplicateID(t *testing.T) {
	r, mock := newTestRegistry(t, billing.NewMockService())
	ctx := context.Background()

	expectValidation(mock)
	expectHeartbeatTouch(mock)
	_, err := r.CreateCamera(ctx, "C1", "front door", "T1")
	require.NoError(t, err)

	_, err = r.CreateCamera(ctx, "C1", "", "T1")
	assert.ErrorIs(t, err, registry.ErrCameraExists)
}

func TestCreateCamera_GeneratedID(t *testing.T) {
	r, mock := newTestRegistry(t, billing.NewMockService())

	expectValidation(mock)
	expectHeartbeatTouch(mock)
	cam, err := r.CreateCamera(context.Background(), "", "", "T1")
	require.NoError(t, err)
	assert.NotEmpty(t, cam.ID)
	assert.Equal(t, cam.ID, cam.Name)
}

func TestCreateCamera_TrialAutoIssued(t *testing.T) {
	r, mock := newTestRegistry(t, unlicensedBilling{})
	ctx := context.Background()

	// Billing says unlicensed and the trial count shows headroom: a local
	// trial license row is written and the camera comes up on it.
	expectValidation(mock)
	mock.ExpectQuery(`SELECT count\(\*\) FROM camera_licenses`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO camera_licenses`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(time.Now(), time.Now()))
	expectHeartbeatTouch(mock)

	cam, err := r.CreateCamera(ctx, "C1", "", "T1")
	require.NoError(t, err)
	assert.True(t, cam.License.IsValid)
	assert.Equal(t, data.ModeTrial, cam.License.Mode)
	assert.WithinDuration(t, time.Now().Add(license.DefaultTrialDuration), cam.License.ValidUntil, time.Minute)
	assert.True(t, cam.Processor.Running())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCamera_LicenseIssueFailed(t *testing.T) {
	r, mock := newTestRegistry(t, unlicensedBilling{})
	ctx := context.Background()

	// The trial row write fails, so no license can be issued.
	expectValidation(mock)
	mock.ExpectQuery(`SELECT count\(\*\) FROM camera_licenses`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO camera_licenses`).
		WillReturnError(errors.New("disk full"))

	_, err := r.CreateCamera(ctx, "C1", "", "T1")
	assert.ErrorIs(t, err, registry.ErrLicenseIssueFailed)
	assert.Empty(t, r.ActiveCameraIDs())
}

func TestCreateCamera_TrialLimitBlocksIssue(t *testing.T) {
	r, mock := newTestRegistry(t, unlicensedBilling{})

	expectValidation(mock)
	mock.ExpectQuery(`SELECT count\(\*\) FROM camera_licenses`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	_, err := r.CreateCamera(context.Background(), "C1", "", "T1")
	assert.ErrorIs(t, err, registry.ErrLicenseLimitExceeded)
}

func TestDeleteCamera(t *testing.T) {
	r, mock := newTestRegistry(t, billing.NewMockService())
	ctx := context.Background()

	expectValidation(mock)
	expectHeartbeatTouch(mock)
	cam, err := r.CreateCamera(ctx, "C1", "", "T1")
	require.NoError(t, err)

	mock.ExpectExec(`DELETE FROM camera_licenses`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectHeartbeatTouch(mock)
	require.NoError(t, r.DeleteCamera(ctx, "C1"))

	assert.False(t, cam.Processor.Running())
	_, err = r.Get("C1")
	assert.ErrorIs(t, err, registry.ErrCameraNotFound)

	assert.ErrorIs(t, r.DeleteCamera(ctx, "C1"), registry.ErrCameraNotFound)
}

func TestList_SortedByID(t *testing.T) {
	r, mock := newTestRegistry(t, billing.NewMockService())
	ctx := context.Background()

	for _, id := range []string{"B", "A"} {
		expectValidation(mock)
		expectHeartbeatTouch(mock)
		_, err := r.CreateCamera(ctx, id, "", "T1")
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].ID)
	assert.Equal(t, "B", list[1].ID)
}
