package zones

import "time"

// LineZoneConfig declares one oriented counting line in normalised
// coordinates. MinCrossingThreshold is the number of consecutive
// opposite-side observations required before a crossing is emitted; it
// is coerced to at least 1.
type LineZoneConfig struct {
	ID                   string   `json:"id" yaml:"id"`
	Start                Point    `json:"start" yaml:"start"`
	End                  Point    `json:"end" yaml:"end"`
	Anchors              []Anchor `json:"anchors" yaml:"anchors"`
	Classes              []string `json:"classes" yaml:"classes"`
	MinCrossingThreshold int      `json:"min_crossing_threshold" yaml:"min_crossing_threshold"`
}

func (c LineZoneConfig) degenerate() bool {
	return c.Start == c.End
}

// LineZone holds the per-zone counting state. Not safe for concurrent
// use; the owning manager serialises access.
type LineZone struct {
	cfg       LineZoneConfig
	threshold int

	inCount  int
	outCount int
	classIn  map[string]int
	classOut map[string]int

	// Per-track FIFO of side observations, bounded to threshold+1.
	history map[int][]bool
}

func newLineZone(cfg LineZoneConfig) *LineZone {
	k := cfg.MinCrossingThreshold
	if k < 1 {
		k = 1
	}
	return &LineZone{
		cfg:       cfg,
		threshold: k,
		classIn:   make(map[string]int),
		classOut:  make(map[string]int),
		history:   make(map[int][]bool),
	}
}

func (z *LineZone) ID() string { return z.cfg.ID }

// Counts returns the current in/out totals.
func (z *LineZone) Counts() (in, out int) { return z.inCount, z.outCount }

// ClassCounts returns copies of the per-class totals.
func (z *LineZone) ClassCounts() (in, out map[string]int) {
	in = make(map[string]int, len(z.classIn))
	out = make(map[string]int, len(z.classOut))
	for k, v := range z.classIn {
		in[k] = v
	}
	for k, v := range z.classOut {
		out[k] = v
	}
	return in, out
}

// sameGeometry ignores identity and counting state.
func (z *LineZone) sameGeometry(cfg LineZoneConfig) bool {
	return pointsEqual(z.cfg.Start, cfg.Start) && pointsEqual(z.cfg.End, cfg.End)
}

// adopt transfers counting state from a renamed zone with identical
// geometry.
func (z *LineZone) adopt(old *LineZone) {
	z.inCount = old.inCount
	z.outCount = old.outCount
	z.classIn = old.classIn
	z.classOut = old.classOut
	z.history = old.history
}

// process evaluates one detection against the line and returns a crossing
// event if the track completed a transition this frame.
//
// side is derived from the sign of the cross product of the line vector
// with the anchor offset: negative means the left half-plane ("in"
// direction). A detection straddling the line, or with any anchor outside
// the strip bounded by the perpendicular limits at the endpoints, leaves
// the track history untouched.
func (z *LineZone) process(streamID string, obj TrackedObject, frame FrameSize, now time.Time) (Event, bool) {
	if !classAllowed(z.cfg.Classes, obj.Class) {
		return Event{}, false
	}

	start := z.cfg.Start.scale(frame.Width, frame.Height)
	end := z.cfg.End.scale(frame.Width, frame.Height)
	v := sub(end, start)

	anchors := anchorPoints(obj.Box, z.cfg.Anchors)
	inLimits := true
	hasLeft, hasRight := false, false
	for _, p := range anchors {
		if dot(v, sub(p, start)) < 0 || dot(v, sub(p, end)) > 0 {
			inLimits = false
			break
		}
		if cross(sub(p, start), v) < 0 {
			hasLeft = true
		} else {
			hasRight = true
		}
	}
	if !inLimits || (hasLeft && hasRight) {
		return Event{}, false
	}
	side := hasLeft

	hist := append(z.history[obj.TrackID], side)
	if len(hist) > z.threshold+1 {
		hist = hist[len(hist)-(z.threshold+1):]
	}
	z.history[obj.TrackID] = hist

	if len(hist) < z.threshold+1 {
		return Event{}, false
	}
	oldest := hist[0]
	count := 0
	for _, s := range hist {
		if s == oldest {
			count++
		}
	}
	if count != 1 {
		return Event{}, false
	}

	var eventType, direction string
	if oldest {
		z.outCount++
		z.classOut[obj.Class]++
		eventType = EventLineCrossingOut
		direction = "out"
	} else {
		z.inCount++
		z.classIn[obj.Class]++
		eventType = EventLineCrossingIn
		direction = "in"
	}

	meta := map[string]any{
		"direction": direction,
		"in_count":  z.inCount,
		"out_count": z.outCount,
	}
	return newEvent(streamID, z.cfg.ID, eventType, obj, now, meta), true
}

func (z *LineZone) forget(trackID int) {
	delete(z.history, trackID)
}
