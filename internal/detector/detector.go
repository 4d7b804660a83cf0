// Package detector defines the face detector contract used by the pipeline
// and a pure-Go cascade implementation.
package detector

import (
	"context"
	"image"

	"github.com/andresmejia3/faceshield/internal/bufpool"
	"github.com/andresmejia3/faceshield/internal/source"
	"github.com/andresmejia3/faceshield/internal/types"
)

// Capabilities advertises optional detector features.
type Capabilities struct {
	// RawBuffer means the detector implements RawDetector and can work on
	// pooled BGRA views without an image copy.
	RawBuffer bool
}

// Detector finds faces in a whole image. Returned rectangles use the image's
// own coordinate space (a SubImage keeps its offset).
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.FaceResult, error)
	Capabilities() Capabilities
	Close() error
}

// RawOptions tune a raw-buffer detection.
type RawOptions struct {
	// DownscaleRatio in (0,1] lets the detector shrink the view further before
	// inference. Results are always reported in view coordinates.
	DownscaleRatio float64
	Quality        source.Quality
}

// RawDetector is the high-throughput path used by the pipelined strategies.
// Rectangles are relative to the view's top-left corner.
type RawDetector interface {
	Detector
	DetectRaw(ctx context.Context, view bufpool.View, opts RawOptions) ([]types.FaceResult, error)
}

// Factory creates an additional, independent detector with the same configuration.
type Factory func(ctx context.Context) (Detector, error)

// AsRaw resolves the raw-buffer capability once, through the advertised
// capabilities rather than the concrete type.
func AsRaw(d Detector) (RawDetector, bool) {
	if d == nil || !d.Capabilities().RawBuffer {
		return nil, false
	}
	rd, ok := d.(RawDetector)
	return rd, ok
}
