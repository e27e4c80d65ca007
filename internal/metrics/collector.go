// Package metrics aggregates gateway telemetry onto a private prometheus
// registry exposed at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages metric aggregation and exposure
type Collector struct {
	registry *prometheus.Registry

	// License plane
	licenseChecks *prometheus.CounterVec
	degradedMode  prometheus.Gauge

	// Usage pipeline
	usageEnqueued *prometheus.CounterVec
	usageSynced   prometheus.Counter
	usageFailures prometheus.Counter
	usageQueue    prometheus.Gauge

	// Frame path
	framesProcessed *prometheus.CounterVec
	frameLatency    *prometheus.HistogramVec
	zoneEvents      *prometheus.CounterVec

	// Registry
	camerasActive prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{registry: reg}

	c.licenseChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_license_checks_total",
		Help: "License validations by outcome (remote, cache_hit, degraded, bypass)",
	}, []string{"result"})
	reg.MustRegister(c.licenseChecks)

	c.degradedMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_license_degraded",
		Help: "1 when the gateway is running on cached license data",
	})
	reg.MustRegister(c.degradedMode)

	c.usageEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_usage_events_enqueued_total",
		Help: "Usage events queued for sync, by event type",
	}, []string{"event_type"})
	reg.MustRegister(c.usageEnqueued)

	c.usageSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_usage_events_synced_total",
		Help: "Usage events acknowledged by billing",
	})
	reg.MustRegister(c.usageSynced)

	c.usageFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_usage_sync_failures_total",
		Help: "Failed usage sync attempts",
	})
	reg.MustRegister(c.usageFailures)

	c.usageQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_usage_queue_depth",
		Help: "Usage events waiting for sync",
	})
	reg.MustRegister(c.usageQueue)

	c.framesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_frames_processed_total",
		Help: "Frames run through the zone engine, per stream",
	}, []string{"stream_id"})
	reg.MustRegister(c.framesProcessed)

	c.frameLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edge_frame_processing_seconds",
		Help:    "Zone engine time per frame",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	}, []string{"stream_id"})
	reg.MustRegister(c.frameLatency)

	c.zoneEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_zone_events_total",
		Help: "Zone events emitted, by type",
	}, []string{"event_type"})
	reg.MustRegister(c.zoneEvents)

	c.camerasActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_cameras_active",
		Help: "Cameras currently registered",
	})
	reg.MustRegister(c.camerasActive)

	return c
}

// Handler serves the private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) LicenseCheck(result string) {
	c.licenseChecks.WithLabelValues(result).Inc()
}

func (c *Collector) SetDegraded(degraded bool) {
	if degraded {
		c.degradedMode.Set(1)
	} else {
		c.degradedMode.Set(0)
	}
}

func (c *Collector) UsageEnqueued(eventType string) {
	c.usageEnqueued.WithLabelValues(eventType).Inc()
}

func (c *Collector) UsageSynced(count int) {
	c.usageSynced.Add(float64(count))
}

func (c *Collector) UsageSyncFailure() {
	c.usageFailures.Inc()
}

func (c *Collector) UsageQueueDepth(n int) {
	c.usageQueue.Set(float64(n))
}

func (c *Collector) FrameProcessed(streamID string, elapsed time.Duration) {
	c.framesProcessed.WithLabelValues(streamID).Inc()
	c.frameLatency.WithLabelValues(streamID).Observe(elapsed.Seconds())
}

func (c *Collector) ZoneEvent(eventType string) {
	c.zoneEvents.WithLabelValues(eventType).Inc()
}

func (c *Collector) SetActiveCameras(n int) {
	c.camerasActive.Set(float64(n))
}
