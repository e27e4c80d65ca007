package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/technosupport/ts-edge/internal/data"
)

// Entitlement is the decision handed to callers: whether the feature is
// enabled and how much quota remains.
type Entitlement struct {
	TenantID       string    `json:"tenant_id"`
	Category       string    `json:"feature_category"`
	Feature        string    `json:"feature_name"`
	Enabled        bool      `json:"is_enabled"`
	QuotaLimit     int64     `json:"quota_limit"`
	QuotaUsed      int64     `json:"quota_used"`
	QuotaRemaining int64     `json:"quota_remaining"`
	ValidUntil     time.Time `json:"valid_until"`
	Degraded       bool      `json:"degraded,omitempty"`
}

// CheckEntitlement mirrors license validation in shape: cache, then the
// billing service, then the repository row, then "disabled, zero quota".
func (v *Validator) CheckEntitlement(ctx context.Context, tenantID, category, feature string) (*Entitlement, error) {
	if v.cfg.Bypass {
		return &Entitlement{
			TenantID: tenantID, Category: category, Feature: feature,
			Enabled: true, QuotaLimit: data.UnlimitedQuota, QuotaRemaining: data.UnlimitedQuota,
		}, nil
	}

	key := fmt.Sprintf("%s%s:%s:%s", entitlementKeyPrefix, tenantID, category, feature)

	if raw, ok, err := v.cache.Get(ctx, key); err == nil && ok {
		var e Entitlement
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			return &e, nil
		}
		v.log.Warn().Str("key", key).Msg("corrupt entitlement cache entry")
	}

	res, err := v.billing.CheckEntitlement(ctx, tenantID, category, feature)
	if err != nil {
		v.markSyncFailure(err)
		return v.fallbackEntitlement(ctx, tenantID, category, feature), nil
	}
	v.markSyncSuccess()

	e := &Entitlement{
		TenantID:       tenantID,
		Category:       category,
		Feature:        feature,
		Enabled:        res.IsEnabled,
		QuotaLimit:     res.QuotaLimit,
		QuotaUsed:      res.QuotaUsed,
		QuotaRemaining: res.QuotaRemaining,
		ValidUntil:     res.ValidUntil,
	}

	if raw, err := json.Marshal(e); err == nil {
		if err := v.cache.Set(ctx, key, string(raw), v.cfg.EntitlementTTL); err != nil {
			v.log.Warn().Err(err).Msg("entitlement cache write dropped")
		}
	}
	row := &data.FeatureEntitlement{
		TenantID:    tenantID,
		Category:    category,
		Feature:     feature,
		Enabled:     e.Enabled,
		QuotaLimit:  e.QuotaLimit,
		QuotaUsed:   e.QuotaUsed,
		ValidUntil:  e.ValidUntil,
		LastChecked: v.now(),
	}
	if err := v.entitlements.Upsert(ctx, row); err != nil {
		v.log.Error().Err(err).Str("feature", feature).Msg("entitlement row upsert failed")
	}
	return e, nil
}

func (v *Validator) fallbackEntitlement(ctx context.Context, tenantID, category, feature string) *Entitlement {
	row, err := v.entitlements.Get(ctx, tenantID, category, feature)
	if err != nil {
		if !errors.Is(err, data.ErrRecordNotFound) {
			v.log.Warn().Err(err).Msg("entitlement fallback read failed")
		}
		return &Entitlement{
			TenantID: tenantID, Category: category, Feature: feature,
			Enabled: false, QuotaLimit: 0, QuotaRemaining: 0, Degraded: true,
		}
	}
	return &Entitlement{
		TenantID:       tenantID,
		Category:       category,
		Feature:        feature,
		Enabled:        row.Enabled,
		QuotaLimit:     row.QuotaLimit,
		QuotaUsed:      row.QuotaUsed,
		QuotaRemaining: row.QuotaRemaining(),
		ValidUntil:     row.ValidUntil,
		Degraded:       true,
	}
}

// IncrementQuotaUsage adds amount to quota_used through a single UPDATE;
// the store serialises it. Caches are deliberately not touched — they
// re-read on their own TTL, trading accuracy for throughput. A failed
// write means not-applied and may be retried by the caller.
func (v *Validator) IncrementQuotaUsage(ctx context.Context, tenantID, category, feature string, amount int64) error {
	return v.entitlements.IncrementUsage(ctx, tenantID, category, feature, amount)
}

// InvalidateTenant drops every cached decision for the tenant. Used after
// plan changes pushed from the billing side.
func (v *Validator) InvalidateTenant(ctx context.Context, tenantID string) error {
	if err := v.cache.DeletePattern(ctx, entitlementKeyPrefix+tenantID+":*"); err != nil {
		return err
	}
	return v.cache.Delete(ctx, growthPackKeyPrefix+tenantID)
}

// GetEnabledGrowthPacks returns the union of growth packs across the
// tenant's valid camera licenses, cached under growth_packs:<tenant>.
func (v *Validator) GetEnabledGrowthPacks(ctx context.Context, tenantID string) ([]string, error) {
	key := growthPackKeyPrefix + tenantID

	if raw, ok, err := v.cache.Get(ctx, key); err == nil && ok {
		var packs []string
		if err := json.Unmarshal([]byte(raw), &packs); err == nil {
			return packs, nil
		}
	}

	rows, err := v.licenses.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("growth packs: %w", err)
	}

	set := make(map[string]struct{})
	for _, l := range rows {
		if !l.IsValid || v.now().After(l.ValidUntil) {
			continue
		}
		for _, p := range l.GrowthPacks {
			set[p] = struct{}{}
		}
	}
	packs := make([]string, 0, len(set))
	for p := range set {
		packs = append(packs, p)
	}
	sort.Strings(packs)

	if raw, err := json.Marshal(packs); err == nil {
		if err := v.cache.Set(ctx, key, string(raw), v.cfg.EntitlementTTL); err != nil {
			v.log.Warn().Err(err).Msg("growth pack cache write dropped")
		}
	}
	return packs, nil
}

// HasGrowthPack reports whether the tenant currently has the named pack.
func (v *Validator) HasGrowthPack(ctx context.Context, tenantID, pack string) (bool, error) {
	packs, err := v.GetEnabledGrowthPacks(ctx, tenantID)
	if err != nil {
		return false, err
	}
	for _, p := range packs {
		if p == pack {
			return true, nil
		}
	}
	return false, nil
}

// HasFeatureViaPack reports whether any enabled pack maps to the feature.
func (v *Validator) HasFeatureViaPack(ctx context.Context, tenantID, feature string) (bool, error) {
	packs, err := v.GetEnabledGrowthPacks(ctx, tenantID)
	if err != nil {
		return false, err
	}
	for _, p := range packs {
		if v.packs.Enables(p, feature) {
			return true, nil
		}
	}
	return false, nil
}
