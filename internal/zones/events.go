package zones

import (
	"strconv"
	"time"
)

// Event types emitted by the zone engine.
const (
	EventLineCrossingIn  = "line_crossing_in"
	EventLineCrossingOut = "line_crossing_out"
	EventZoneEntry       = "zone_entry"
	EventZoneExit        = "zone_exit"
)

// Event is one zone occurrence for one track. Location is the centre of
// the detection's bounding box in pixels.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	TrackID   string         `json:"track_id"`
	Class     string         `json:"class"`
	Location  Point          `json:"location"`
	ZoneID    string         `json:"zone_id"`
	StreamID  string         `json:"stream_id"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func newEvent(streamID, zoneID, eventType string, obj TrackedObject, now time.Time, meta map[string]any) Event {
	return Event{
		Timestamp: now,
		TrackID:   strconv.Itoa(obj.TrackID),
		Class:     obj.Class,
		Location:  obj.Box.Center(),
		ZoneID:    zoneID,
		StreamID:  streamID,
		Type:      eventType,
		Metadata:  meta,
	}
}
