package zones

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	lineZoneColor    = color.RGBA{R: 255, G: 165, B: 0, A: 255}
	polygonZoneColor = color.RGBA{R: 0, G: 200, B: 80, A: 255}
	boxColor         = color.RGBA{R: 80, G: 160, B: 255, A: 255}
	labelColor       = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Annotator draws zone geometry, counters and detection boxes onto a
// frame. It reads zone state through the managers' snapshot surface, so
// it never holds a manager lock across drawing.
type Annotator struct {
	lines    *LineManager
	polygons *PolygonManager
}

func NewAnnotator(lines *LineManager, polygons *PolygonManager) *Annotator {
	return &Annotator{lines: lines, polygons: polygons}
}

// Annotate draws in place and returns the same image.
func (a *Annotator) Annotate(img *image.RGBA, objects []TrackedObject) *image.RGBA {
	b := img.Bounds()
	frame := FrameSize{Width: b.Dx(), Height: b.Dy()}

	if a.lines != nil {
		a.lines.mu.RLock()
		for _, id := range a.lines.order {
			z := a.lines.zones[id]
			start := z.cfg.Start.scale(frame.Width, frame.Height)
			end := z.cfg.End.scale(frame.Width, frame.Height)
			drawLine(img, start, end, lineZoneColor)
			in, out := z.Counts()
			drawLabel(img, int(start.X), int(start.Y)-4,
				fmt.Sprintf("%s in:%d out:%d", id, in, out))
		}
		a.lines.mu.RUnlock()
	}

	if a.polygons != nil {
		a.polygons.mu.RLock()
		for _, id := range a.polygons.order {
			z := a.polygons.zones[id]
			verts := z.cfg.Vertices
			for i := range verts {
				p0 := verts[i].scale(frame.Width, frame.Height)
				p1 := verts[(i+1)%len(verts)].scale(frame.Width, frame.Height)
				drawLine(img, p0, p1, polygonZoneColor)
			}
			if len(verts) > 0 {
				p := verts[0].scale(frame.Width, frame.Height)
				in, out := z.Counts()
				drawLabel(img, int(p.X), int(p.Y)-4,
					fmt.Sprintf("%s in:%d out:%d", id, in, out))
			}
		}
		a.polygons.mu.RUnlock()
	}

	for _, obj := range objects {
		drawBox(img, obj.Box, boxColor)
		drawLabel(img, int(obj.Box.X1), int(obj.Box.Y1)-4,
			fmt.Sprintf("#%d %s %.2f", obj.TrackID, obj.Class, obj.Confidence))
		if d, ok := a.dwellFor(obj.TrackID); ok {
			drawLabel(img, int(obj.Box.X1), int(obj.Box.Y2)+basicfont.Face7x13.Height,
				formatDwell(d))
		}
	}
	return img
}

// dwellFor reports the longest current dwell of the track across all
// polygon zones.
func (a *Annotator) dwellFor(trackID int) (time.Duration, bool) {
	if a.polygons == nil {
		return 0, false
	}
	a.polygons.mu.RLock()
	defer a.polygons.mu.RUnlock()

	now := a.polygons.now()
	var best time.Duration
	found := false
	for _, id := range a.polygons.order {
		if d, ok := a.polygons.dwell.TimeInZone(id, trackID, now); ok {
			found = true
			if d > best {
				best = d
			}
		}
	}
	return best, found
}

// formatDwell renders a duration as MM:SS.
func formatDwell(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

// drawLine is Bresenham on the image raster.
func drawLine(img *image.RGBA, p0, p1 Point, c color.RGBA) {
	x0, y0 := int(p0.X), int(p0.Y)
	x1, y1 := int(p1.X), int(p1.Y)

	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func drawBox(img *image.RGBA, b Box, c color.RGBA) {
	drawLine(img, Point{b.X1, b.Y1}, Point{b.X2, b.Y1}, c)
	drawLine(img, Point{b.X2, b.Y1}, Point{b.X2, b.Y2}, c)
	drawLine(img, Point{b.X2, b.Y2}, Point{b.X1, b.Y2}, c)
	drawLine(img, Point{b.X1, b.Y2}, Point{b.X1, b.Y1}, c)
}

func drawLabel(img *image.RGBA, x, y int, text string) {
	if y < basicfont.Face7x13.Height {
		y = basicfont.Face7x13.Height
	}
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
