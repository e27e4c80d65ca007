package zones

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func centerSquare(id string) PolygonZoneConfig {
	return PolygonZoneConfig{
		ID: id,
		Vertices: []Point{
			{X: 0.2, Y: 0.2}, {X: 0.8, Y: 0.2},
			{X: 0.8, Y: 0.8}, {X: 0.2, Y: 0.8},
		},
		Anchors: []Anchor{AnchorBottomCenter},
	}
}

func TestPolygon_EntryExitAndDwell(t *testing.T) {
	m := NewPolygonManager("cam-1", zerolog.Nop())
	m.Reconfigure([]PolygonZoneConfig{centerSquare("lobby")})

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	// Inside at (500,500).
	events, dwell := m.Process(frame1000, []TrackedObject{personAt(3, 500, 500)})
	require.Len(t, events, 1)
	assert.Equal(t, EventZoneEntry, events[0].Type)
	assert.Equal(t, "in", events[0].Metadata["direction"])
	assert.Equal(t, 1, events[0].Metadata["current_count"])
	assert.Equal(t, time.Duration(0), dwell["lobby"][3])

	// Still inside 5s later, then leaves for (100,100).
	clock = base.Add(5 * time.Second)
	_, dwell = m.Process(frame1000, []TrackedObject{personAt(3, 500, 500)})
	assert.Equal(t, 5*time.Second, dwell["lobby"][3])

	clock = base.Add(5 * time.Second)
	events, dwell = m.Process(frame1000, []TrackedObject{personAt(3, 100, 100)})
	require.Len(t, events, 1)
	assert.Equal(t, EventZoneExit, events[0].Type)
	assert.Equal(t, "out", events[0].Metadata["direction"])
	assert.Equal(t, 0, events[0].Metadata["current_count"])
	assert.NotContains(t, dwell["lobby"], 3)

	// Re-enters after 3s away: dwell resumes from the accumulated 5s.
	clock = base.Add(8 * time.Second)
	events, dwell = m.Process(frame1000, []TrackedObject{personAt(3, 500, 500)})
	require.Len(t, events, 1)
	assert.Equal(t, EventZoneEntry, events[0].Type)
	assert.Equal(t, 5*time.Second, dwell["lobby"][3])

	// 2s into the second visit: 7s total.
	clock = base.Add(10 * time.Second)
	_, dwell = m.Process(frame1000, []TrackedObject{personAt(3, 500, 500)})
	assert.InDelta(t, 7.0, dwell["lobby"][3].Seconds(), 0.1)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].InCount)
	assert.Equal(t, 1, snap[0].OutCount)
}

func TestPolygon_AllAnchorsMustBeInside(t *testing.T) {
	m := NewPolygonManager("cam-1", zerolog.Nop())
	cfg := centerSquare("lobby")
	cfg.Anchors = []Anchor{AnchorTopLeft, AnchorBottomRight}
	m.Reconfigure([]PolygonZoneConfig{cfg})

	// Top-left at (150,150) is outside even though bottom-right is in.
	obj := TrackedObject{TrackID: 1, Class: "person",
		Box: Box{X1: 150, Y1: 150, X2: 500, Y2: 500}}
	events, dwell := m.Process(frame1000, []TrackedObject{obj})
	assert.Empty(t, events)
	assert.Empty(t, dwell)

	// Fully inside.
	obj.Box = Box{X1: 300, Y1: 300, X2: 500, Y2: 500}
	events, _ = m.Process(frame1000, []TrackedObject{obj})
	require.Len(t, events, 1)
	assert.Equal(t, EventZoneEntry, events[0].Type)
}

func TestPolygon_AnchorOutsideFrameBounds(t *testing.T) {
	m := NewPolygonManager("cam-1", zerolog.Nop())
	m.Reconfigure([]PolygonZoneConfig{centerSquare("lobby")})

	obj := personAt(1, 500, 500)
	obj.Box.Y2 = 1500 // bottom-center below the frame
	events, _ := m.Process(frame1000, []TrackedObject{obj})
	assert.Empty(t, events)
}

func TestPolygon_TooFewVerticesSkipped(t *testing.T) {
	m := NewPolygonManager("cam-1", zerolog.Nop())
	m.Reconfigure([]PolygonZoneConfig{
		{ID: "bad", Vertices: []Point{{X: 0.1, Y: 0.1}, {X: 0.9, Y: 0.9}}},
		centerSquare("good"),
	})
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "good", snap[0].ZoneID)
}

func TestPolygon_ClassFilter(t *testing.T) {
	m := NewPolygonManager("cam-1", zerolog.Nop())
	cfg := centerSquare("lobby")
	cfg.Classes = []string{"car"}
	m.Reconfigure([]PolygonZoneConfig{cfg})

	events, dwell := m.Process(frame1000, []TrackedObject{personAt(1, 500, 500)})
	assert.Empty(t, events)
	assert.Empty(t, dwell)
}

func TestPolygon_MaskRebuiltOnFrameSizeChange(t *testing.T) {
	m := NewPolygonManager("cam-1", zerolog.Nop())
	m.Reconfigure([]PolygonZoneConfig{centerSquare("lobby")})

	events, _ := m.Process(frame1000, []TrackedObject{personAt(1, 500, 500)})
	require.Len(t, events, 1)

	// Same normalised zone on a 2000x2000 frame spans 400..1600 px, so
	// (300,300) is now outside and the track exits.
	larger := FrameSize{Width: 2000, Height: 2000}
	events, _ = m.Process(larger, []TrackedObject{personAt(1, 300, 300)})
	require.Len(t, events, 1)
	assert.Equal(t, EventZoneExit, events[0].Type)
}

func TestPolygonManager_RenamePreservesState(t *testing.T) {
	m := NewPolygonManager("cam-1", zerolog.Nop())
	m.Reconfigure([]PolygonZoneConfig{centerSquare("A")})

	// Seed counters and an active dwell timer.
	m.mu.Lock()
	z := m.zones["A"]
	z.inCount = 5
	z.outCount = 2
	m.mu.Unlock()
	base := time.Now()
	m.dwell.Update("A", map[int]struct{}{3: {}}, base)

	m.Reconfigure([]PolygonZoneConfig{centerSquare("B")})

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "B", snap[0].ZoneID)
	assert.Equal(t, 5, snap[0].InCount)
	assert.Equal(t, 2, snap[0].OutCount)

	d, ok := m.dwell.TimeInZone("B", 3, base.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	_, ok = m.dwell.TimeInZone("A", 3, base)
	assert.False(t, ok)
}

func TestPolygonManager_RemovedZoneDropsDwell(t *testing.T) {
	m := NewPolygonManager("cam-1", zerolog.Nop())
	m.Reconfigure([]PolygonZoneConfig{centerSquare("A")})
	m.dwell.Update("A", map[int]struct{}{3: {}}, time.Now())

	m.Reconfigure(nil)
	_, ok := m.dwell.TimeInZone("A", 3, time.Now())
	assert.False(t, ok)
}

func TestDwellTracker_MonotonicAcrossReentry(t *testing.T) {
	d := NewDwellTracker()
	base := time.Now()

	times := d.Update("z", map[int]struct{}{1: {}}, base)
	assert.Equal(t, time.Duration(0), times[1])

	times = d.Update("z", map[int]struct{}{1: {}}, base.Add(4*time.Second))
	assert.Equal(t, 4*time.Second, times[1])

	// Exit, then re-entry two seconds later.
	d.Update("z", map[int]struct{}{}, base.Add(4*time.Second))
	times = d.Update("z", map[int]struct{}{1: {}}, base.Add(6*time.Second))
	assert.Equal(t, 4*time.Second, times[1])

	times = d.Update("z", map[int]struct{}{1: {}}, base.Add(9*time.Second))
	assert.Equal(t, 7*time.Second, times[1])
}

func TestRasterisePolygon_Triangle(t *testing.T) {
	frame := FrameSize{Width: 100, Height: 100}
	mask := rasterisePolygon([]Point{
		{X: 0.5, Y: 0.1}, {X: 0.9, Y: 0.9}, {X: 0.1, Y: 0.9},
	}, frame)

	inside := func(x, y int) bool { return mask[y*frame.Width+x] }
	assert.True(t, inside(50, 50))
	assert.True(t, inside(50, 85))
	assert.False(t, inside(5, 5))
	assert.False(t, inside(95, 10))
}
