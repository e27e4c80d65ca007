package billing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-edge/internal/billing"
)

func TestValidateCameraLicense(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/license/validate", r.URL.Path)
		require.Equal(t, "Bearer key-123", r.Header.Get("Authorization"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cam-1", req["camera_id"])
		assert.Equal(t, "t1", req["tenant_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"is_valid":             true,
			"license_mode":         "trial",
			"enabled_growth_packs": []string{"analytics_plus"},
			"valid_until":          time.Now().Add(time.Hour).Format(time.RFC3339),
			"cameras_allowed":      2,
		})
	}))
	defer srv.Close()

	c := billing.NewClient(srv.URL, "key-123", time.Second, zerolog.Nop())
	res, err := c.ValidateCameraLicense(context.Background(), "cam-1", "t1", "dev-1")
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, "trial", res.LicenseMode)
	assert.Equal(t, []string{"analytics_plus"}, res.GrowthPacks)
	require.NotNil(t, res.CamerasAllowed)
	assert.Equal(t, 2, *res.CamerasAllowed)
}

func TestUnavailable_OnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := billing.NewClient(srv.URL, "k", time.Second, zerolog.Nop())
	_, err := c.ValidateCameraLicense(context.Background(), "cam-1", "t1", "dev-1")
	assert.ErrorIs(t, err, billing.ErrUnavailable)
}

func TestUnavailable_OnConnectionRefused(t *testing.T) {
	c := billing.NewClient("http://127.0.0.1:1", "k", 200*time.Millisecond, zerolog.Nop())
	_, err := c.CheckEntitlement(context.Background(), "t1", "analytics", "zones")
	assert.ErrorIs(t, err, billing.ErrUnavailable)
}

func TestRejection_NotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad tenant", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := billing.NewClient(srv.URL, "k", time.Second, zerolog.Nop())
	_, err := c.CheckEntitlement(context.Background(), "t1", "analytics", "zones")
	require.Error(t, err)
	assert.NotErrorIs(t, err, billing.ErrUnavailable)
}

func TestSubmitUsageBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/usage/batch", r.URL.Path)
		var req struct {
			Events []billing.UsageRecord `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(billing.BatchResult{AcceptedCount: len(req.Events)})
	}))
	defer srv.Close()

	c := billing.NewClient(srv.URL, "k", time.Second, zerolog.Nop())
	res, err := c.SubmitUsageBatch(context.Background(), []billing.UsageRecord{
		{EventID: "e1", TenantID: "t1", EventType: "api_call", Quantity: 1, Unit: "calls"},
		{EventID: "e2", TenantID: "t1", EventType: "sms_sent", Quantity: 2, Unit: "messages"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AcceptedCount)
	assert.Equal(t, 0, res.RejectedCount)
}

func TestHeartbeat(t *testing.T) {
	var got billing.HeartbeatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(billing.HeartbeatResult{Status: "ok", NextHeartbeat: 120})
	}))
	defer srv.Close()

	c := billing.NewClient(srv.URL, "k", time.Second, zerolog.Nop())
	res, err := c.Heartbeat(context.Background(), billing.HeartbeatRequest{
		DeviceID:       "dev-1",
		TenantID:       "t1",
		ActiveCameras:  []string{"cam-1", "cam-2"},
		ManagementTier: "basic",
	})
	require.NoError(t, err)
	assert.Equal(t, 120, res.NextHeartbeat)
	assert.Equal(t, []string{"cam-1", "cam-2"}, got.ActiveCameras)
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := billing.NewClient(srv.URL, "k", time.Second, zerolog.Nop())
	assert.True(t, c.Healthy(context.Background()))
}
