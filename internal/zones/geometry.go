// Package zones implements the per-stream zone analytics engine: line
// zones that count directional crossings and polygon zones that track
// entry, exit and dwell time of tracked objects.
package zones

import (
	"math"
	"time"
)

// Point is a 2D coordinate. Zone geometry is declared in normalised
// [0,1] coordinates and mapped to pixels per frame.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

func (p Point) scale(w, h int) Point {
	return Point{X: p.X * float64(w), Y: p.Y * float64(h)}
}

// cross is the z-component of (a × b).
func cross(a, b Point) float64 { return a.X*b.Y - a.Y*b.X }

func dot(a, b Point) float64 { return a.X*b.X + a.Y*b.Y }

func sub(a, b Point) Point { return Point{X: a.X - b.X, Y: a.Y - b.Y} }

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Anchor names one of the canonical trigger points on a bounding box.
type Anchor string

const (
	AnchorTopLeft      Anchor = "top_left"
	AnchorTopRight     Anchor = "top_right"
	AnchorBottomLeft   Anchor = "bottom_left"
	AnchorBottomRight  Anchor = "bottom_right"
	AnchorCenter       Anchor = "center"
	AnchorTopCenter    Anchor = "top_center"
	AnchorBottomCenter Anchor = "bottom_center"
	AnchorCenterLeft   Anchor = "center_left"
	AnchorCenterRight  Anchor = "center_right"
	AnchorCenterOfMass Anchor = "center_of_mass"
)

// AnchorPoint resolves an anchor on a box. Without a segmentation mask
// the center of mass collapses to the geometric center.
func AnchorPoint(b Box, a Anchor) Point {
	cx := (b.X1 + b.X2) / 2
	cy := (b.Y1 + b.Y2) / 2
	switch a {
	case AnchorTopLeft:
		return Point{b.X1, b.Y1}
	case AnchorTopRight:
		return Point{b.X2, b.Y1}
	case AnchorBottomLeft:
		return Point{b.X1, b.Y2}
	case AnchorBottomRight:
		return Point{b.X2, b.Y2}
	case AnchorTopCenter:
		return Point{cx, b.Y1}
	case AnchorBottomCenter:
		return Point{cx, b.Y2}
	case AnchorCenterLeft:
		return Point{b.X1, cy}
	case AnchorCenterRight:
		return Point{b.X2, cy}
	case AnchorCenter, AnchorCenterOfMass:
		return Point{cx, cy}
	default:
		return Point{cx, cy}
	}
}

// anchorPoints resolves all declared anchors, defaulting to the center.
func anchorPoints(b Box, anchors []Anchor) []Point {
	if len(anchors) == 0 {
		return []Point{b.Center()}
	}
	pts := make([]Point, len(anchors))
	for i, a := range anchors {
		pts[i] = AnchorPoint(b, a)
	}
	return pts
}

// TrackedObject is one per-frame observation of a tracked detection.
type TrackedObject struct {
	TrackID    int       `json:"track_id"`
	Box        Box       `json:"box"`
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// FrameSize is the pixel dimensions of the frame being processed.
type FrameSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// geometryEpsilon bounds per-coordinate drift when deciding whether two
// zone geometries are the same during rename preservation.
const geometryEpsilon = 0.001

func pointsEqual(a, b Point) bool {
	return math.Abs(a.X-b.X) <= geometryEpsilon && math.Abs(a.Y-b.Y) <= geometryEpsilon
}

func verticesEqual(a, b []Point) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !pointsEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// classAllowed applies a zone's class filter; empty means accept all.
func classAllowed(filter []string, class string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, c := range filter {
		if c == class {
			return true
		}
	}
	return false
}
