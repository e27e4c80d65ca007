// Package billing speaks the remote billing service's JSON-over-HTTPS
// protocol: license validation, entitlement checks, usage batches,
// heartbeats. All calls carry a bearer API key and a bounded deadline;
// timeouts are reported as ErrUnavailable so callers can fall back.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnavailable covers timeouts, connection failures and 5xx responses.
// The license plane treats it as the trigger for degraded mode.
var ErrUnavailable = errors.New("billing service unavailable")

// Service is the consumer-facing contract; MockService implements it too.
type Service interface {
	ValidateCameraLicense(ctx context.Context, cameraID, tenantID, deviceID string) (*LicenseResult, error)
	CheckEntitlement(ctx context.Context, tenantID, category, feature string) (*EntitlementResult, error)
	SubmitUsageBatch(ctx context.Context, events []UsageRecord) (*BatchResult, error)
	Heartbeat(ctx context.Context, hb HeartbeatRequest) (*HeartbeatResult, error)
	Healthy(ctx context.Context) bool
}

type LicenseResult struct {
	IsValid        bool      `json:"is_valid"`
	LicenseMode    string    `json:"license_mode"`
	GrowthPacks    []string  `json:"enabled_growth_packs"`
	ValidUntil     time.Time `json:"valid_until"`
	CamerasAllowed *int      `json:"cameras_allowed"` // nil = unlimited
}

type EntitlementResult struct {
	IsEnabled      bool      `json:"is_enabled"`
	QuotaLimit     int64     `json:"quota_limit"`
	QuotaUsed      int64     `json:"quota_used"`
	QuotaRemaining int64     `json:"quota_remaining"`
	ValidUntil     time.Time `json:"valid_until"`
}

type UsageRecord struct {
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	DeviceID  string          `json:"device_id"`
	CameraID  string          `json:"camera_id,omitempty"`
	EventType string          `json:"event_type"`
	Quantity  float64         `json:"quantity"`
	Unit      string          `json:"unit"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	EventTime time.Time       `json:"event_time"`
}

type BatchResult struct {
	AcceptedCount int      `json:"accepted_count"`
	RejectedCount int      `json:"rejected_count"`
	Errors        []string `json:"errors"`
}

type HeartbeatRequest struct {
	DeviceID       string   `json:"device_id"`
	TenantID       string   `json:"tenant_id"`
	ActiveCameras  []string `json:"active_camera_ids"`
	ManagementTier string   `json:"management_tier"`
}

type HeartbeatResult struct {
	Status        string `json:"status"`
	NextHeartbeat int    `json:"next_heartbeat_seconds"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

func (c *Client) ValidateCameraLicense(ctx context.Context, cameraID, tenantID, deviceID string) (*LicenseResult, error) {
	req := map[string]string{
		"camera_id": cameraID,
		"tenant_id": tenantID,
		"device_id": deviceID,
	}
	var res LicenseResult
	if err := c.post(ctx, "/license/validate", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CheckEntitlement(ctx context.Context, tenantID, category, feature string) (*EntitlementResult, error) {
	req := map[string]string{
		"tenant_id":        tenantID,
		"feature_category": category,
		"feature_name":     feature,
	}
	var res EntitlementResult
	if err := c.post(ctx, "/entitlement/check", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) SubmitUsageBatch(ctx context.Context, events []UsageRecord) (*BatchResult, error) {
	req := map[string]any{"events": events}
	var res BatchResult
	if err := c.post(ctx, "/usage/batch", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Heartbeat(ctx context.Context, hb HeartbeatRequest) (*HeartbeatResult, error) {
	var res HeartbeatResult
	if err := c.post(ctx, "/heartbeat", hb, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and refused connections both land here.
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("billing %s rejected: %d %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
