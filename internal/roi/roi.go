// Package roi derives a padded search region from the faces found on a
// previous frame, so the detector only has to look where subjects were.
package roi

import (
	"fmt"
	"image"
)

const (
	padRatio     = 0.35
	minPad       = 32
	minSide      = 64
	fullCoverage = 0.9
)

// Plan computes the region to search on the next frame. It returns false when
// region-limited detection is not worthwhile and the full frame should be used.
// All coordinates are full-resolution frame pixels.
func Plan(prior []image.Rectangle, frame image.Point) (image.Rectangle, bool) {
	if len(prior) == 0 || frame.X <= 0 || frame.Y <= 0 {
		return image.Rectangle{}, false
	}

	union := prior[0]
	for _, r := range prior[1:] {
		union = union.Union(r)
	}

	padX := pad(union.Dx())
	padY := pad(union.Dy())
	region := image.Rect(union.Min.X-padX, union.Min.Y-padY, union.Max.X+padX, union.Max.Y+padY)
	region = region.Intersect(image.Rect(0, 0, frame.X, frame.Y))

	region.Min.X, region.Max.X = expand(region.Min.X, region.Max.X, frame.X)
	region.Min.Y, region.Max.Y = expand(region.Min.Y, region.Max.Y, frame.Y)

	if region.Dx() < minSide || region.Dy() < minSide {
		return image.Rectangle{}, false
	}
	if float64(region.Dx()) >= fullCoverage*float64(frame.X) &&
		float64(region.Dy()) >= fullCoverage*float64(frame.Y) {
		return image.Rectangle{}, false
	}
	return region, true
}

func pad(extent int) int {
	p := int(padRatio * float64(extent))
	if p < minPad {
		return minPad
	}
	return p
}

// expand re-centers [lo, hi) to minSide when it is narrower, sliding the
// window back inside [0, limit) instead of cutting it.
func expand(lo, hi, limit int) (int, int) {
	if hi-lo >= minSide {
		return lo, hi
	}
	center := (lo + hi) / 2
	lo = center - minSide/2
	if lo < 0 {
		lo = 0
	}
	hi = lo + minSide
	if hi > limit {
		hi = limit
		lo = hi - minSide
		if lo < 0 {
			lo = 0
		}
	}
	return lo, hi
}

// Stats are diagnostic counters for one run. Not safe for concurrent use;
// multi-detector runs never plan regions.
type Stats struct {
	Attempts  int   // frames where prior faces existed
	Hits      int   // region detection found at least one face
	Fallbacks int   // region rejected or empty, full frame used instead
	Area      int64 // summed region area in full-resolution pixels
}

func (s Stats) String() string {
	rate := 0.0
	if s.Attempts > 0 {
		rate = float64(s.Hits) * 100 / float64(s.Attempts)
	}
	return fmt.Sprintf("attempts=%d hits=%d (%.1f%%) fallbacks=%d area=%d", s.Attempts, s.Hits, rate, s.Fallbacks, s.Area)
}
