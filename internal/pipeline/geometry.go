package pipeline

import (
	"image"
	"math"

	"github.com/andresmejia3/faceshield/internal/types"
)

// geometry holds the full and proxy frame sizes and the two static factors
// mapping proxy coordinates back to full resolution.
type geometry struct {
	full   image.Point
	proxy  image.Point
	scaleX float64
	scaleY float64
}

func newGeometry(full image.Point, ratio float64) geometry {
	g := geometry{full: full, proxy: full, scaleX: 1, scaleY: 1}
	if ratio >= 1 || full.X <= 0 || full.Y <= 0 {
		return g
	}
	g.proxy = image.Pt(
		max(1, int(math.Round(float64(full.X)*ratio))),
		max(1, int(math.Round(float64(full.Y)*ratio))),
	)
	g.scaleX = float64(full.X) / float64(g.proxy.X)
	g.scaleY = float64(full.Y) / float64(g.proxy.Y)
	return g
}

func (g geometry) scaled() bool {
	return g.proxy != g.full
}

// toProxy maps a full-resolution region onto the proxy buffer.
func (g geometry) toProxy(r image.Rectangle) image.Rectangle {
	if !g.scaled() {
		return r
	}
	return types.ShrinkRect(r, g.scaleX, g.scaleY).Intersect(image.Rect(0, 0, g.proxy.X, g.proxy.Y))
}

// toFull maps proxy-buffer detections back to full resolution.
func (g geometry) toFull(faces []types.FaceResult) []types.FaceResult {
	if !g.scaled() || len(faces) == 0 {
		return faces
	}
	out := make([]types.FaceResult, len(faces))
	for i, f := range faces {
		out[i] = f.Scale(g.scaleX, g.scaleY)
	}
	return out
}
