// Package pipeline glues the per-camera analytics together: the decode
// and inference stages are external collaborators that feed tracked
// objects in; the processor runs them through the zone engine, publishes
// the resulting events and annotates frames on request.
package pipeline

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/zones"
)

// Sink receives every zone event the processor produces.
type Sink interface {
	Publish(ev zones.Event)
}

// Usage receives billable activity summaries from the frame path.
type Usage interface {
	TrackZoneEvent(tenantID, cameraID string)
}

// Metrics is the slice of the collector the processor reports into.
type Metrics interface {
	FrameProcessed(streamID string, elapsed time.Duration)
	ZoneEvent(eventType string)
}

type nopMetrics struct{}

func (nopMetrics) FrameProcessed(string, time.Duration) {}
func (nopMetrics) ZoneEvent(string)                     {}

// Processor is the per-camera frame path. One goroutine (the camera's
// ingest worker) calls ProcessFrame; configuration changes arrive on
// other goroutines and serialise inside the zone managers.
type Processor struct {
	streamID  string
	tenantID  string
	lines     *zones.LineManager
	polygons  *zones.PolygonManager
	annotator *zones.Annotator
	sink      Sink
	usage     Usage
	metrics   Metrics
	log       zerolog.Logger

	running atomic.Bool
	frames  atomic.Int64
}

func NewProcessor(streamID, tenantID string, sink Sink, usage Usage, m Metrics, logger zerolog.Logger) *Processor {
	lines := zones.NewLineManager(streamID, logger)
	polygons := zones.NewPolygonManager(streamID, logger)
	if m == nil {
		m = nopMetrics{}
	}
	return &Processor{
		streamID:  streamID,
		tenantID:  tenantID,
		lines:     lines,
		polygons:  polygons,
		annotator: zones.NewAnnotator(lines, polygons),
		sink:      sink,
		usage:     usage,
		metrics:   m,
		log:       logger,
	}
}

func (p *Processor) StreamID() string { return p.streamID }

// Start marks the processor live. Frames arriving while stopped are
// dropped.
func (p *Processor) Start() { p.running.Store(true) }

// Stop is idempotent.
func (p *Processor) Stop() { p.running.Store(false) }

func (p *Processor) Running() bool { return p.running.Load() }

// ApplyZoneConfig swaps in a new zone layout, preserving counters per
// the managers' rename rules.
func (p *Processor) ApplyZoneConfig(cfg zones.StreamZoneConfig) {
	p.lines.Reconfigure(cfg.Lines)
	p.polygons.Reconfigure(cfg.Polygons)
}

// ProcessFrame runs one frame's tracked objects through every zone and
// publishes the events. The dwell report maps zone id to time-in-zone
// per track currently inside.
func (p *Processor) ProcessFrame(frame zones.FrameSize, objects []zones.TrackedObject) ([]zones.Event, map[string]map[int]time.Duration) {
	if !p.running.Load() {
		return nil, nil
	}
	started := time.Now()

	events := p.lines.Process(frame, objects)
	polyEvents, dwell := p.polygons.Process(frame, objects)
	events = append(events, polyEvents...)

	for _, ev := range events {
		p.metrics.ZoneEvent(ev.Type)
		if p.sink != nil {
			p.sink.Publish(ev)
		}
		if p.usage != nil {
			p.usage.TrackZoneEvent(p.tenantID, p.streamID)
		}
	}

	p.frames.Add(1)
	p.metrics.FrameProcessed(p.streamID, time.Since(started))
	return events, dwell
}

// Annotate draws the current zone layout and the given detections onto
// the frame. Drawing never mutates zone state.
func (p *Processor) Annotate(img *image.RGBA, objects []zones.TrackedObject) *image.RGBA {
	return p.annotator.Annotate(img, objects)
}

// ZoneStatus reports counters for both zone kinds.
func (p *Processor) ZoneStatus() []zones.ZoneStatus {
	out := p.lines.Snapshot()
	return append(out, p.polygons.Snapshot()...)
}

// FramesProcessed is a monotone diagnostic counter.
func (p *Processor) FramesProcessed() int64 { return p.frames.Load() }
