package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Usage event types accepted by the billing batch endpoint.
const (
	UsageAPICall        = "api_call"
	UsageLLMTokens      = "llm_tokens"
	UsageStorageGBDays  = "storage_gb_days"
	UsageSMSSent        = "sms_sent"
	UsageAgentExecution = "agent_execution"
	UsageCloudExportGB  = "cloud_export_gb"
	UsageWebhookCall    = "webhook_call"
	UsageEmailSent      = "email_sent"
	UsageZoneEvent      = "zone_event"
)

// UsageEvent is one billable occurrence. Rows with synced=true are never
// re-sent; unsynced rows survive restart and are reloaded by the tracker.
type UsageEvent struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  string          `json:"tenant_id"`
	DeviceID  string          `json:"device_id"`
	CameraID  string          `json:"camera_id,omitempty"`
	Type      string          `json:"event_type"`
	Quantity  float64         `json:"quantity"`
	Unit      string          `json:"unit"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	EventTime time.Time       `json:"event_time"`
	Synced    bool            `json:"synced"`
}

// UsageModel holds *sql.DB (not DBTX) because SaveBatch owns a transaction.
type UsageModel struct {
	DB *sql.DB
}

// SaveBatch persists all events in one transaction; partial success is a
// failure and leaves no rows behind.
func (m UsageModel) SaveBatch(ctx context.Context, events []*UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO usage_events (
			id, tenant_id, device_id, camera_id, event_type,
			quantity, unit, metadata, event_time, synced
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	for _, e := range events {
		meta := e.Metadata
		if meta == nil {
			meta = json.RawMessage("{}")
		}
		if _, err := tx.ExecContext(ctx, query,
			e.ID, e.TenantID, e.DeviceID, nullString(e.CameraID), e.Type,
			e.Quantity, e.Unit, []byte(meta), e.EventTime, e.Synced,
		); err != nil {
			return fmt.Errorf("save usage batch: %w", classify(err))
		}
	}

	return classify(tx.Commit())
}

// FindUnsynced returns at most limit unsynced events in submission order.
func (m UsageModel) FindUnsynced(ctx context.Context, limit int) ([]*UsageEvent, error) {
	query := `
		SELECT id, tenant_id, device_id, COALESCE(camera_id, ''), event_type,
		       quantity, unit, metadata, event_time, synced
		FROM usage_events
		WHERE synced = false
		ORDER BY event_time
		LIMIT $1`

	rows, err := m.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*UsageEvent
	for rows.Next() {
		var e UsageEvent
		var meta []byte
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.DeviceID, &e.CameraID, &e.Type,
			&e.Quantity, &e.Unit, &meta, &e.EventTime, &e.Synced,
		); err != nil {
			return nil, classify(err)
		}
		e.Metadata = json.RawMessage(meta)
		out = append(out, &e)
	}
	return out, classify(rows.Err())
}

// MarkSynced is idempotent: already-synced ids are unaffected.
func (m UsageModel) MarkSynced(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE usage_events SET synced = true WHERE id = ANY($1)`
	_, err := m.DB.ExecContext(ctx, query, pq.Array(ids))
	return classify(err)
}

// SumByType aggregates quantities per event type for a tenant since the
// given instant. Diagnostic surface for the usage API.
func (m UsageModel) SumByType(ctx context.Context, tenantID string, since time.Time) (map[string]float64, error) {
	query := `
		SELECT event_type, COALESCE(SUM(quantity), 0)
		FROM usage_events
		WHERE tenant_id = $1 AND event_time >= $2
		GROUP BY event_type`

	rows, err := m.DB.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	sums := make(map[string]float64)
	for rows.Next() {
		var typ string
		var sum float64
		if err := rows.Scan(&typ, &sum); err != nil {
			return nil, classify(err)
		}
		sums[typ] = sum
	}
	return sums, classify(rows.Err())
}

// DeleteOld prunes synced events older than the retention window, bounded
// by maxRows per call.
func (m UsageModel) DeleteOld(ctx context.Context, olderThan time.Duration, maxRows int) (int64, error) {
	query := `
		DELETE FROM usage_events
		WHERE ctid IN (
			SELECT ctid FROM usage_events
			WHERE synced = true AND event_time < $1
			LIMIT $2
		)`
	res, err := m.DB.ExecContext(ctx, query, time.Now().Add(-olderThan), maxRows)
	if err != nil {
		return 0, classify(err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
