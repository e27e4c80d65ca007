// Package license implements the per-camera license and per-tenant
// entitlement plane: remote validation against the billing service,
// two-level caching, and degraded-mode fallback when billing is
// unreachable.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/billing"
	"github.com/technosupport/ts-edge/internal/cache"
	"github.com/technosupport/ts-edge/internal/data"
)

const (
	DefaultLicenseTTL        = time.Hour
	DefaultEntitlementTTL    = 5 * time.Minute
	DefaultTrialCameraLimit  = 2
	DefaultTrialDuration     = 30 * 24 * time.Hour
	DefaultOfflineGrace      = 24 * time.Hour
	degradedAnnotation       = "Degraded: using cached license"
	licenseKeyPrefix         = "license:camera:"
	entitlementKeyPrefix     = "entitlement:"
	growthPackKeyPrefix      = "growth_packs:"
	cameraLimitKeyPrefix     = "camera_limit:"
	unlimitedCameras     int = -1
)

// Metrics is the slice of the collector the validator reports into.
type Metrics interface {
	LicenseCheck(result string)
	SetDegraded(degraded bool)
}

type nopMetrics struct{}

func (nopMetrics) LicenseCheck(string) {}
func (nopMetrics) SetDegraded(bool)    {}

type Config struct {
	DeviceID         string
	LicenseTTL       time.Duration
	EntitlementTTL   time.Duration
	TrialCameraLimit int
	OfflineGrace     time.Duration
	Bypass           bool // BYPASS_LICENSE_CHECK, dev only
}

func (c *Config) applyDefaults() {
	if c.LicenseTTL == 0 {
		c.LicenseTTL = DefaultLicenseTTL
	}
	if c.EntitlementTTL == 0 {
		c.EntitlementTTL = DefaultEntitlementTTL
	}
	if c.TrialCameraLimit == 0 {
		c.TrialCameraLimit = DefaultTrialCameraLimit
	}
	if c.OfflineGrace == 0 {
		c.OfflineGrace = DefaultOfflineGrace
	}
}

// Validation is the cached outcome of one camera-license check.
type Validation struct {
	CameraID       string    `json:"camera_id"`
	TenantID       string    `json:"tenant_id"`
	IsValid        bool      `json:"is_valid"`
	Mode           string    `json:"license_mode"`
	GrowthPacks    []string  `json:"enabled_growth_packs"`
	ValidUntil     time.Time `json:"valid_until"`
	CamerasAllowed int       `json:"cameras_allowed"` // -1 = unlimited
	ErrorMessage   string    `json:"error_message,omitempty"`
	ValidatedAt    time.Time `json:"validated_at"`
}

// Validator is the single writer of license and entitlement rows.
type Validator struct {
	cfg          Config
	cache        *cache.TieredCache
	billing      billing.Service
	licenses     data.CameraLicenseModel
	entitlements data.EntitlementModel
	syncStatus   data.SyncStatusModel
	packs        GrowthPackMap
	metrics      Metrics
	log          zerolog.Logger

	// Degraded state has its own lock, never taken together with any
	// other. Public readers take it exactly once.
	syncMu   sync.Mutex
	degraded bool
	lastSync time.Time

	now func() time.Time
}

func NewValidator(
	cfg Config,
	tc *cache.TieredCache,
	svc billing.Service,
	licenses data.CameraLicenseModel,
	entitlements data.EntitlementModel,
	syncStatus data.SyncStatusModel,
	packs GrowthPackMap,
	m Metrics,
	logger zerolog.Logger,
) *Validator {
	cfg.applyDefaults()
	if m == nil {
		m = nopMetrics{}
	}
	v := &Validator{
		cfg:          cfg,
		cache:        tc,
		billing:      svc,
		licenses:     licenses,
		entitlements: entitlements,
		syncStatus:   syncStatus,
		packs:        packs,
		metrics:      m,
		log:          logger,
		lastSync:     time.Now(),
		now:          time.Now,
	}
	v.restoreSyncStatus()
	return v
}

// restoreSyncStatus seeds the degraded clock from the persisted row, so
// a restart resumes the offline grace window instead of opening a fresh
// one. No row means a first boot and the clock starts now.
func (v *Validator) restoreSyncStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := v.syncStatus.Get(ctx, v.cfg.DeviceID)
	if err != nil {
		if !errors.Is(err, data.ErrRecordNotFound) {
			v.log.Warn().Err(err).Msg("sync status read failed")
		}
		return
	}

	v.syncMu.Lock()
	v.lastSync = s.LastSyncAt
	v.degraded = s.Degraded
	v.syncMu.Unlock()

	if s.Degraded {
		v.metrics.SetDegraded(true)
		v.log.Warn().
			Time("last_sync", s.LastSyncAt).
			Msg("resuming in degraded mode from persisted sync status")
	}
}

// ValidateCameraLicense checks one camera's license, consulting the cache
// unless forceRefresh is set. Remote failures never propagate: the cached
// or persisted result is served while within the offline grace period,
// and "unlicensed, not valid" is the floor.
func (v *Validator) ValidateCameraLicense(ctx context.Context, cameraID, tenantID string, forceRefresh bool) (*Validation, error) {
	if v.cfg.Bypass {
		return &Validation{
			CameraID:       cameraID,
			TenantID:       tenantID,
			IsValid:        true,
			Mode:           data.ModeBase,
			GrowthPacks:    []string{},
			ValidUntil:     v.now().Add(v.cfg.LicenseTTL),
			CamerasAllowed: unlimitedCameras,
			ValidatedAt:    v.now(),
		}, nil
	}

	key := licenseKeyPrefix + cameraID

	if !forceRefresh {
		if cached := v.cachedValidation(ctx, key); cached != nil {
			v.metrics.LicenseCheck("cache_hit")
			return cached, nil
		}
	}

	res, err := v.billing.ValidateCameraLicense(ctx, cameraID, tenantID, v.cfg.DeviceID)
	if err != nil {
		v.markSyncFailure(err)
		v.metrics.LicenseCheck("degraded")
		return v.fallbackValidation(ctx, key, cameraID, tenantID), nil
	}
	v.markSyncSuccess()

	val := &Validation{
		CameraID:       cameraID,
		TenantID:       tenantID,
		IsValid:        res.IsValid,
		Mode:           res.LicenseMode,
		GrowthPacks:    res.GrowthPacks,
		ValidUntil:     res.ValidUntil,
		CamerasAllowed: unlimitedCameras,
		ValidatedAt:    v.now(),
	}
	if val.GrowthPacks == nil {
		val.GrowthPacks = []string{}
	}
	if res.CamerasAllowed != nil {
		val.CamerasAllowed = *res.CamerasAllowed
	}
	if val.Mode == data.ModeUnlicensed {
		val.IsValid = false
	}

	v.storeValidation(ctx, key, tenantID, val)
	v.metrics.LicenseCheck("remote")
	return val, nil
}

// IssueTrialLicense writes a local trial license for a camera whose
// tenant has no standing one. The row is persisted before the cache is
// touched, so a failed write surfaces instead of minting an unbacked
// license. The caller is responsible for trial headroom checks.
func (v *Validator) IssueTrialLicense(ctx context.Context, cameraID, tenantID string) (*Validation, error) {
	now := v.now()
	val := &Validation{
		CameraID:       cameraID,
		TenantID:       tenantID,
		IsValid:        true,
		Mode:           data.ModeTrial,
		GrowthPacks:    []string{},
		ValidUntil:     now.Add(DefaultTrialDuration),
		CamerasAllowed: v.cfg.TrialCameraLimit,
		ValidatedAt:    now,
	}

	row := &data.CameraLicense{
		CameraID:      cameraID,
		TenantID:      tenantID,
		DeviceID:      v.cfg.DeviceID,
		Mode:          data.ModeTrial,
		IsValid:       true,
		ValidUntil:    val.ValidUntil,
		GrowthPacks:   val.GrowthPacks,
		LastValidated: now,
	}
	if err := v.licenses.Upsert(ctx, row); err != nil {
		return nil, fmt.Errorf("issue trial license: %w", err)
	}

	if raw, err := json.Marshal(val); err == nil {
		if err := v.cache.Set(ctx, licenseKeyPrefix+cameraID, string(raw), v.cfg.LicenseTTL); err != nil {
			v.log.Warn().Err(err).Msg("trial license cache write dropped")
		}
	}

	v.log.Info().
		Str("camera_id", cameraID).
		Str("tenant_id", tenantID).
		Time("valid_until", val.ValidUntil).
		Msg("trial license issued")
	return val, nil
}

// RevokeCameraLicense drops the cached and persisted license for a
// deleted camera. Missing rows are fine.
func (v *Validator) RevokeCameraLicense(ctx context.Context, cameraID string) error {
	if err := v.cache.Delete(ctx, licenseKeyPrefix+cameraID); err != nil {
		v.log.Warn().Err(err).Str("camera_id", cameraID).Msg("license cache invalidate failed")
	}
	if err := v.licenses.DeleteByCamera(ctx, cameraID); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		return fmt.Errorf("revoke license: %w", err)
	}
	return nil
}

// GetCameraLimit returns -1 (unlimited) for base tenants, the trial limit
// for trial tenants, 0 for unlicensed tenants. The trial limit is the
// conservative default when billing is unreachable and nothing is known.
func (v *Validator) GetCameraLimit(ctx context.Context, tenantID string) int {
	if v.cfg.Bypass {
		return unlimitedCameras
	}

	if raw, ok, err := v.cache.Get(ctx, cameraLimitKeyPrefix+tenantID); err == nil && ok {
		var limit int
		if err := json.Unmarshal([]byte(raw), &limit); err == nil {
			return limit
		}
	}

	rows, err := v.licenses.ListByTenant(ctx, tenantID)
	if err != nil {
		return v.cfg.TrialCameraLimit
	}
	limit := 0
	seen := false
	for _, l := range rows {
		if !l.IsValid || v.now().After(l.ValidUntil) {
			continue
		}
		seen = true
		if l.Mode == data.ModeBase {
			return unlimitedCameras
		}
	}
	if seen {
		limit = v.cfg.TrialCameraLimit
	} else if len(rows) == 0 {
		// Nothing known about this tenant yet: assume trial headroom.
		limit = v.cfg.TrialCameraLimit
	}
	return limit
}

// CanAddCamera applies the tenant camera limit to a proposed count.
func (v *Validator) CanAddCamera(ctx context.Context, tenantID string, currentCount int) bool {
	limit := v.GetCameraLimit(ctx, tenantID)
	return limit == unlimitedCameras || currentCount < limit
}

// TrialCameraLimit exposes the configured ceiling for trial tenants.
func (v *Validator) TrialCameraLimit() int { return v.cfg.TrialCameraLimit }

// DegradedMode reports whether the plane is running on cached data, and
// for how long.
func (v *Validator) DegradedMode() (bool, time.Duration) {
	v.syncMu.Lock()
	defer v.syncMu.Unlock()
	return v.degraded, v.now().Sub(v.lastSync)
}

func (v *Validator) cachedValidation(ctx context.Context, key string) *Validation {
	raw, ok, err := v.cache.Get(ctx, key)
	if err != nil {
		v.log.Warn().Err(err).Msg("license cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	var val Validation
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		v.log.Warn().Err(err).Str("key", key).Msg("corrupt license cache entry")
		return nil
	}
	return &val
}

func (v *Validator) storeValidation(ctx context.Context, key, tenantID string, val *Validation) {
	if raw, err := json.Marshal(val); err == nil {
		if err := v.cache.Set(ctx, key, string(raw), v.cfg.LicenseTTL); err != nil {
			v.log.Warn().Err(err).Msg("license cache write dropped")
		}
	}
	if raw, err := json.Marshal(val.CamerasAllowed); err == nil {
		if err := v.cache.Set(ctx, cameraLimitKeyPrefix+tenantID, string(raw), v.cfg.LicenseTTL); err != nil {
			v.log.Warn().Err(err).Msg("camera limit cache write dropped")
		}
	}

	row := &data.CameraLicense{
		CameraID:      val.CameraID,
		TenantID:      val.TenantID,
		DeviceID:      v.cfg.DeviceID,
		Mode:          val.Mode,
		IsValid:       val.IsValid,
		ValidUntil:    val.ValidUntil,
		GrowthPacks:   val.GrowthPacks,
		LastValidated: val.ValidatedAt,
	}
	if err := v.licenses.Upsert(ctx, row); err != nil {
		v.log.Error().Err(err).Str("camera_id", val.CameraID).Msg("license row upsert failed")
	}
}

// fallbackValidation serves the degraded path: cache first, then the
// repository row, then the unlicensed floor. Within the offline grace
// period a cached license is honoured even just past its valid-until;
// beyond it, expiry is enforced strictly.
func (v *Validator) fallbackValidation(ctx context.Context, key, cameraID, tenantID string) *Validation {
	_, sinceSync := v.DegradedMode()
	withinGrace := sinceSync <= v.cfg.OfflineGrace

	if cached := v.cachedValidation(ctx, key); cached != nil {
		if cached.ValidUntil.After(v.now()) || withinGrace {
			out := *cached
			out.ErrorMessage = degradedAnnotation
			return &out
		}
	}

	if row, err := v.licenses.GetByCamera(ctx, cameraID); err == nil {
		if row.IsValid && (row.ValidUntil.After(v.now()) || withinGrace) {
			return &Validation{
				CameraID:       cameraID,
				TenantID:       tenantID,
				IsValid:        true,
				Mode:           row.Mode,
				GrowthPacks:    row.GrowthPacks,
				ValidUntil:     row.ValidUntil,
				CamerasAllowed: v.cfg.TrialCameraLimit,
				ErrorMessage:   degradedAnnotation,
				ValidatedAt:    row.LastValidated,
			}
		}
		if row.IsValid {
			// Expired past the grace window: persist the rejection so a
			// restart cannot resurrect the row.
			if err := v.licenses.SetInvalid(ctx, cameraID); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
				v.log.Warn().Err(err).Str("camera_id", cameraID).Msg("license invalidation failed")
			}
		}
	}

	return &Validation{
		CameraID:       cameraID,
		TenantID:       tenantID,
		IsValid:        false,
		Mode:           data.ModeUnlicensed,
		GrowthPacks:    []string{},
		CamerasAllowed: 0,
		ErrorMessage:   degradedAnnotation,
		ValidatedAt:    v.now(),
	}
}

func (v *Validator) markSyncSuccess() {
	v.syncMu.Lock()
	v.degraded = false
	v.lastSync = v.now()
	last := v.lastSync
	v.syncMu.Unlock()

	v.metrics.SetDegraded(false)
	v.persistSyncStatus(&data.SyncStatus{
		DeviceID:   v.cfg.DeviceID,
		LastSyncAt: last,
		Degraded:   false,
	})
}

func (v *Validator) markSyncFailure(err error) {
	v.syncMu.Lock()
	wasDegraded := v.degraded
	v.degraded = true
	last := v.lastSync
	v.syncMu.Unlock()

	v.metrics.SetDegraded(true)
	if !wasDegraded {
		v.log.Warn().Err(err).Msg("billing unreachable, entering degraded mode")
	}
	v.persistSyncStatus(&data.SyncStatus{
		DeviceID:   v.cfg.DeviceID,
		LastSyncAt: last,
		LastError:  err.Error(),
		Degraded:   true,
	})
}

func (v *Validator) persistSyncStatus(s *data.SyncStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := v.syncStatus.Upsert(ctx, s); err != nil {
		v.log.Warn().Err(err).Msg("sync status write failed")
	}
}
