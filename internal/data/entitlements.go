package data

import (
	"context"
	"fmt"
	"time"
)

// Feature categories recognised by the billing service.
const (
	CategoryCVModels     = "cv_models"
	CategoryAnalytics    = "analytics"
	CategoryOutputs      = "outputs"
	CategoryStorage      = "storage"
	CategoryLLMSeats     = "llm_seats"
	CategoryAgents       = "agents"
	CategoryAPICalls     = "api_calls"
	CategoryIntegrations = "integrations"
)

// UnlimitedQuota marks an entitlement without a quota ceiling.
const UnlimitedQuota = int64(-1)

// FeatureEntitlement caches one (tenant, category, feature) decision from
// the billing service. quota_used only ever grows within a billing period.
type FeatureEntitlement struct {
	TenantID    string    `json:"tenant_id"`
	Category    string    `json:"feature_category"`
	Feature     string    `json:"feature_name"`
	Enabled     bool      `json:"is_enabled"`
	QuotaLimit  int64     `json:"quota_limit"`
	QuotaUsed   int64     `json:"quota_used"`
	ValidUntil  time.Time `json:"valid_until"`
	LastChecked time.Time `json:"last_checked"`
}

// QuotaRemaining is -1 when unlimited, never negative otherwise.
func (e *FeatureEntitlement) QuotaRemaining() int64 {
	if e.QuotaLimit == UnlimitedQuota {
		return UnlimitedQuota
	}
	if rem := e.QuotaLimit - e.QuotaUsed; rem > 0 {
		return rem
	}
	return 0
}

type EntitlementModel struct {
	DB DBTX
}

func (m EntitlementModel) Upsert(ctx context.Context, e *FeatureEntitlement) error {
	query := `
		INSERT INTO feature_entitlements (
			tenant_id, feature_category, feature_name,
			is_enabled, quota_limit, quota_used, valid_until, last_checked
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, feature_category, feature_name) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			quota_limit = EXCLUDED.quota_limit,
			quota_used = EXCLUDED.quota_used,
			valid_until = EXCLUDED.valid_until,
			last_checked = EXCLUDED.last_checked`

	_, err := m.DB.ExecContext(ctx, query,
		e.TenantID, e.Category, e.Feature,
		e.Enabled, e.QuotaLimit, e.QuotaUsed, e.ValidUntil, e.LastChecked,
	)
	return classify(err)
}

func (m EntitlementModel) Get(ctx context.Context, tenantID, category, feature string) (*FeatureEntitlement, error) {
	query := `
		SELECT tenant_id, feature_category, feature_name,
		       is_enabled, quota_limit, quota_used, valid_until, last_checked
		FROM feature_entitlements
		WHERE tenant_id = $1 AND feature_category = $2 AND feature_name = $3`

	var e FeatureEntitlement
	err := m.DB.QueryRowContext(ctx, query, tenantID, category, feature).Scan(
		&e.TenantID, &e.Category, &e.Feature,
		&e.Enabled, &e.QuotaLimit, &e.QuotaUsed, &e.ValidUntil, &e.LastChecked,
	)
	if err != nil {
		return nil, classify(err)
	}
	return &e, nil
}

// IncrementUsage adds amount to quota_used in a single UPDATE. The store
// serialises it, so concurrent increments never lose a count. Returns
// ErrRecordNotFound when no entitlement row exists yet.
func (m EntitlementModel) IncrementUsage(ctx context.Context, tenantID, category, feature string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative quota increment", ErrConstraintViolation)
	}
	query := `
		UPDATE feature_entitlements
		SET quota_used = quota_used + $4, last_checked = NOW()
		WHERE tenant_id = $1 AND feature_category = $2 AND feature_name = $3`

	res, err := m.DB.ExecContext(ctx, query, tenantID, category, feature, amount)
	if err != nil {
		return classify(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ClearStale removes rows not re-checked within the threshold, bounded by
// maxRows to keep each sweep's latency predictable.
func (m EntitlementModel) ClearStale(ctx context.Context, olderThan time.Duration, maxRows int) (int64, error) {
	query := `
		DELETE FROM feature_entitlements
		WHERE ctid IN (
			SELECT ctid FROM feature_entitlements
			WHERE last_checked < $1
			LIMIT $2
		)`
	res, err := m.DB.ExecContext(ctx, query, time.Now().Add(-olderThan), maxRows)
	if err != nil {
		return 0, classify(err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

func (m EntitlementModel) ListByTenant(ctx context.Context, tenantID string) ([]*FeatureEntitlement, error) {
	query := `
		SELECT tenant_id, feature_category, feature_name,
		       is_enabled, quota_limit, quota_used, valid_until, last_checked
		FROM feature_entitlements
		WHERE tenant_id = $1
		ORDER BY feature_category, feature_name`

	rows, err := m.DB.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*FeatureEntitlement
	for rows.Next() {
		var e FeatureEntitlement
		if err := rows.Scan(
			&e.TenantID, &e.Category, &e.Feature,
			&e.Enabled, &e.QuotaLimit, &e.QuotaUsed, &e.ValidUntil, &e.LastChecked,
		); err != nil {
			return nil, classify(err)
		}
		out = append(out, &e)
	}
	return out, classify(rows.Err())
}
