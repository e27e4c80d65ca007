package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_ExposesCounters(t *testing.T) {
	c := NewCollector()

	c.LicenseCheck("remote")
	c.LicenseCheck("cache_hit")
	c.LicenseCheck("cache_hit")
	c.SetDegraded(true)
	c.UsageEnqueued("zone_event")
	c.UsageSynced(3)
	c.UsageSyncFailure()
	c.UsageQueueDepth(4)
	c.FrameProcessed("cam-1", 2*time.Millisecond)
	c.ZoneEvent("line_crossing_out")
	c.SetActiveCameras(2)

	out := scrape(t, c)

	assert.Contains(t, out, `edge_license_checks_total{result="cache_hit"} 2`)
	assert.Contains(t, out, `edge_license_degraded 1`)
	assert.Contains(t, out, `edge_usage_events_synced_total 3`)
	assert.Contains(t, out, `edge_usage_queue_depth 4`)
	assert.Contains(t, out, `edge_frames_processed_total{stream_id="cam-1"} 1`)
	assert.Contains(t, out, `edge_zone_events_total{event_type="line_crossing_out"} 1`)
	assert.Contains(t, out, `edge_cameras_active 2`)
}

func TestCollector_DegradedToggles(t *testing.T) {
	c := NewCollector()
	c.SetDegraded(true)
	c.SetDegraded(false)

	assert.Contains(t, scrape(t, c), "edge_license_degraded 0")
}
