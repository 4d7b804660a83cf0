package types

import (
	"image"
	"math"
)

// FaceResult is a single detection in frame-pixel coordinates.
// Values are never mutated in place; Translate and Scale return copies.
type FaceResult struct {
	Bounds     image.Rectangle
	Confidence float64 // 0..1
}

// Translate returns a copy shifted by p.
func (f FaceResult) Translate(p image.Point) FaceResult {
	return FaceResult{Bounds: f.Bounds.Add(p), Confidence: f.Confidence}
}

// Scale returns a copy with both corners multiplied by the given factors.
func (f FaceResult) Scale(sx, sy float64) FaceResult {
	return FaceResult{Bounds: ScaleRect(f.Bounds, sx, sy), Confidence: f.Confidence}
}

// ScaleRect multiplies every corner coordinate, rounding to the nearest pixel.
func ScaleRect(r image.Rectangle, sx, sy float64) image.Rectangle {
	return image.Rect(
		int(math.Round(float64(r.Min.X)*sx)),
		int(math.Round(float64(r.Min.Y)*sy)),
		int(math.Round(float64(r.Max.X)*sx)),
		int(math.Round(float64(r.Max.Y)*sy)),
	)
}

// ShrinkRect maps a full-resolution rectangle into a proxy buffer scaled down by
// (sx, sy). Min is floored and Max is ceiled so the proxy region never loses pixels.
func ShrinkRect(r image.Rectangle, sx, sy float64) image.Rectangle {
	return image.Rect(
		int(math.Floor(float64(r.Min.X)/sx)),
		int(math.Floor(float64(r.Min.Y)/sy)),
		int(math.Ceil(float64(r.Max.X)/sx)),
		int(math.Ceil(float64(r.Max.Y)/sy)),
	)
}

// Rects strips confidences.
func Rects(faces []FaceResult) []image.Rectangle {
	if len(faces) == 0 {
		return nil
	}
	out := make([]image.Rectangle, len(faces))
	for i, f := range faces {
		out[i] = f.Bounds
	}
	return out
}

// DetectionOutcome is what a detector stage hands to the writer stage.
// Resumed marks frames that already had an entry in the store and were not detected.
type DetectionOutcome struct {
	FrameIndex int
	Faces      []FaceResult
	FrameSize  image.Point
	Resumed    bool
	Failed     bool // single-frame decode failure, nothing to store
}
