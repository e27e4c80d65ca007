package zones

import (
	"math"
	"time"
)

const polygonHistoryLen = 10

// PolygonZoneConfig declares one polygon zone in normalised coordinates.
// Fewer than three vertices is malformed and the zone is skipped.
type PolygonZoneConfig struct {
	ID       string   `json:"id" yaml:"id"`
	Vertices []Point  `json:"vertices" yaml:"vertices"`
	Anchors  []Anchor `json:"anchors" yaml:"anchors"`
	Classes  []string `json:"classes" yaml:"classes"`
}

func (c PolygonZoneConfig) degenerate() bool {
	return len(c.Vertices) < 3
}

// PolygonZone holds per-zone entry/exit state plus a rasterised mask of
// the polygon at the current frame size. Not safe for concurrent use;
// the owning manager serialises access.
type PolygonZone struct {
	cfg PolygonZoneConfig

	mask     []bool
	maskSize FrameSize

	inCount  int
	outCount int
	classIn  map[string]int
	classOut map[string]int

	// Per-track FIFO of in-zone observations, bounded to
	// polygonHistoryLen. The last element is the current state.
	history map[int][]bool
}

func newPolygonZone(cfg PolygonZoneConfig) *PolygonZone {
	return &PolygonZone{
		cfg:      cfg,
		classIn:  make(map[string]int),
		classOut: make(map[string]int),
		history:  make(map[int][]bool),
	}
}

func (z *PolygonZone) ID() string { return z.cfg.ID }

func (z *PolygonZone) Counts() (in, out int) { return z.inCount, z.outCount }

func (z *PolygonZone) ClassCounts() (in, out map[string]int) {
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

func (z *PolygonZone) sameGeometry(cfg PolygonZoneConfig) bool {
	return verticesEqual(z.cfg.Vertices, cfg.Vertices)
}

func (z *PolygonZone) adopt(old *PolygonZone) {
	z.inCount = old.inCount
	z.outCount = old.outCount
	z.classIn = old.classIn
	z.classOut = old.classOut
	z.history = old.history
}

// ensureMask rebuilds the rasterised mask when the frame size changes.
// Membership of a pixel is then a single slice lookup.
func (z *PolygonZone) ensureMask(frame FrameSize) {
	if z.mask != nil && z.maskSize == frame {
		return
	}
	z.mask = rasterisePolygon(z.cfg.Vertices, frame)
	z.maskSize = frame
}

func (z *PolygonZone) contains(p Point) bool {
	x, y := int(p.X), int(p.Y)
	if x < 0 || y < 0 || x >= z.maskSize.Width || y >= z.maskSize.Height {
		return false
	}
	return z.mask[y*z.maskSize.Width+x]
}

// process evaluates one detection and returns an entry or exit event on
// a state change. The second return reports whether the detection is
// currently inside, for dwell accounting.
func (z *PolygonZone) process(streamID string, obj TrackedObject, frame FrameSize, now time.Time) (Event, bool, bool) {
	if !classAllowed(z.cfg.Classes, obj.Class) {
		return Event{}, false, false
	}
	z.ensureMask(frame)

	inside := true
	for _, p := range anchorPoints(obj.Box, z.cfg.Anchors) {
		if !z.contains(p) {
			inside = false
			break
		}
	}

	hist := z.history[obj.TrackID]
	var prev bool
	hadPrev := len(hist) > 0
	if hadPrev {
		prev = hist[len(hist)-1]
	}
	hist = append(hist, inside)
	if len(hist) > polygonHistoryLen {
		hist = hist[len(hist)-polygonHistoryLen:]
	}
	z.history[obj.TrackID] = hist

	changed := inside != prev
	if !changed && hadPrev {
		return Event{}, false, inside
	}
	if !hadPrev && !inside {
		return Event{}, false, false
	}

	var eventType, direction string
	if inside {
		z.inCount++
		z.classIn[obj.Class]++
		eventType = EventZoneEntry
		direction = "in"
	} else {
		z.outCount++
		z.classOut[obj.Class]++
		eventType = EventZoneExit
		direction = "out"
	}

	meta := map[string]any{
		"direction":     direction,
		"in_count":      z.inCount,
		"out_count":     z.outCount,
		"current_count": z.currentCount(),
	}
	return newEvent(streamID, z.cfg.ID, eventType, obj, now, meta), true, inside
}

// currentCount is the number of tracks whose latest observation is
// inside the zone.
func (z *PolygonZone) currentCount() int {
	n := 0
	for _, h := range z.history {
		if len(h) > 0 && h[len(h)-1] {
			n++
		}
	}
	return n
}

func (z *PolygonZone) forget(trackID int) {
	delete(z.history, trackID)
}

// rasterisePolygon scanline-fills the normalised polygon into a
// width×height boolean grid.
func rasterisePolygon(vertices []Point, frame FrameSize) []bool {
	mask := make([]bool, frame.Width*frame.Height)
	n := len(vertices)
	if n < 3 {
		return mask
	}

	px := make([]float64, n)
	py := make([]float64, n)
	for i, v := range vertices {
		px[i] = v.X * float64(frame.Width)
		py[i] = v.Y * float64(frame.Height)
	}

	for y := 0; y < frame.Height; y++ {
		fy := float64(y) + 0.5

		// Collect x-intersections of the scanline with polygon edges.
		var xs []float64
		j := n - 1
		for i := 0; i < n; i++ {
			if (py[i] <= fy && py[j] > fy) || (py[j] <= fy && py[i] > fy) {
				t := (fy - py[i]) / (py[j] - py[i])
				xs = append(xs, px[i]+t*(px[j]-px[i]))
			}
			j = i
		}
		if len(xs) < 2 {
			continue
		}
		// Insertion sort; crossing counts are tiny.
		for i := 1; i < len(xs); i++ {
			for k := i; k > 0 && xs[k] < xs[k-1]; k-- {
				xs[k], xs[k-1] = xs[k-1], xs[k]
			}
		}
		for i := 0; i+1 < len(xs); i += 2 {
			x0 := int(math.Ceil(xs[i] - 0.5))
			x1 := int(math.Floor(xs[i+1] - 0.5))
			if x0 < 0 {
				x0 = 0
			}
			if x1 >= frame.Width {
				x1 = frame.Width - 1
			}
			for x := x0; x <= x1; x++ {
				mask[y*frame.Width+x] = true
			}
		}
	}
	return mask
}
