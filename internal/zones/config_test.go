package zones

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const zoneYAML = `
streams:
  cam-1:
    lines:
      - id: door
        start: {x: 0.5, y: 0.0}
        end: {x: 0.5, y: 1.0}
        anchors: [bottom_center]
        min_crossing_threshold: 1
    polygons:
      - id: lobby
        vertices:
          - {x: 0.2, y: 0.2}
          - {x: 0.8, y: 0.2}
          - {x: 0.8, y: 0.8}
          - {x: 0.2, y: 0.8}
        anchors: [bottom_center]
        classes: [person]
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte(zoneYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	stream, ok := cfg.Streams["cam-1"]
	require.True(t, ok)
	require.Len(t, stream.Lines, 1)
	assert.Equal(t, "door", stream.Lines[0].ID)
	assert.Equal(t, []Anchor{AnchorBottomCenter}, stream.Lines[0].Anchors)
	require.Len(t, stream.Polygons, 1)
	assert.Equal(t, []string{"person"}, stream.Polygons[0].Classes)
	assert.Len(t, stream.Polygons[0].Vertices, 4)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streams: ["), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcher_AppliesOnStartAndChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte(zoneYAML), 0o644))

	var mu sync.Mutex
	var applied []*ConfigFile
	w := NewWatcher(path, func(c *ConfigFile) {
		mu.Lock()
		applied = append(applied, c)
		mu.Unlock()
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	mu.Lock()
	require.Len(t, applied, 1)
	mu.Unlock()

	updated := zoneYAML + `  cam-2:
    lines:
      - id: gate
        start: {x: 0.0, y: 0.5}
        end: {x: 1.0, y: 0.5}
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(applied) < 2 {
			return false
		}
		_, ok := applied[len(applied)-1].Streams["cam-2"]
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_MissingFileFailsStart(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), func(*ConfigFile) {}, zerolog.Nop())
	assert.Error(t, w.Start(context.Background()))
}

func TestAnnotator_DrawsWithoutPanic(t *testing.T) {
	lines := NewLineManager("cam-1", zerolog.Nop())
	lines.Reconfigure([]LineZoneConfig{verticalLine("door", 1)})
	polys := NewPolygonManager("cam-1", zerolog.Nop())
	polys.Reconfigure([]PolygonZoneConfig{centerSquare("lobby")})

	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	out := NewAnnotator(lines, polys).Annotate(img, []TrackedObject{
		personAt(7, 160, 120),
		{TrackID: 8, Class: "car", Box: Box{X1: -20, Y1: -20, X2: 500, Y2: 500}},
	})
	require.Same(t, img, out)

	// The line zone at x=0.5 leaves orange pixels down the middle.
	found := false
	for y := 0; y < 240 && !found; y++ {
		r, g, b, _ := out.At(160, y).RGBA()
		if r>>8 == 255 && g>>8 == 165 && b>>8 == 0 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFormatDwell(t *testing.T) {
	assert.Equal(t, "00:00", formatDwell(0))
	assert.Equal(t, "00:07", formatDwell(7*time.Second))
	assert.Equal(t, "02:05", formatDwell(125*time.Second))
	assert.Equal(t, "61:01", formatDwell(61*time.Minute+time.Second))
}
