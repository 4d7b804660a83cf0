package pipeline

import (
	"context"
	"image"

	"github.com/andresmejia3/faceshield/internal/bufpool"
	"github.com/andresmejia3/faceshield/internal/detector"
	"github.com/andresmejia3/faceshield/internal/roi"
	"github.com/andresmejia3/faceshield/internal/types"
)

// regionFunc detects inside region (buffer coordinates) and returns faces in
// buffer coordinates.
type regionFunc func(ctx context.Context, buf *bufpool.Buffer, region image.Rectangle) ([]types.FaceResult, error)

// regionDetector picks the raw path when the detector advertises it, and
// otherwise copies the region into an image.
func regionDetector(d detector.Detector, opts detector.RawOptions) regionFunc {
	if rd, ok := detector.AsRaw(d); ok {
		return func(ctx context.Context, buf *bufpool.Buffer, region image.Rectangle) ([]types.FaceResult, error) {
			view, err := buf.Region(region)
			if err != nil {
				return nil, err
			}
			faces, err := rd.DetectRaw(ctx, view, opts)
			if err != nil {
				return nil, err
			}
			for i := range faces {
				faces[i] = faces[i].Translate(view.Origin)
			}
			return faces, nil
		}
	}
	return func(ctx context.Context, buf *bufpool.Buffer, region image.Rectangle) ([]types.FaceResult, error) {
		view, err := buf.Region(region)
		if err != nil {
			return nil, err
		}
		// ToRGBA keeps the region's offset in the image bounds
		return d.Detect(ctx, view.ToRGBA())
	}
}

// smartDetector seeds detection with the previous frame's faces. One instance
// belongs to one goroutine.
type smartDetector struct {
	detect regionFunc
	geom   geometry
	stats  roi.Stats
}

// run returns full-resolution faces for the frame held in buf.
func (s *smartDetector) run(ctx context.Context, buf *bufpool.Buffer, prior []image.Rectangle) ([]types.FaceResult, error) {
	if len(prior) > 0 {
		s.stats.Attempts++
		if region, ok := roi.Plan(prior, s.geom.full); ok {
			s.stats.Area += int64(region.Dx()) * int64(region.Dy())
			if pr := s.geom.toProxy(region); !pr.Empty() {
				faces, err := s.detect(ctx, buf, pr)
				if err != nil {
					return nil, err
				}
				if len(faces) > 0 {
					s.stats.Hits++
					return s.geom.toFull(faces), nil
				}
			}
		}
		// Region rejected, or subjects left it
		s.stats.Fallbacks++
	}

	faces, err := s.detect(ctx, buf, buf.Bounds())
	if err != nil {
		return nil, err
	}
	return s.geom.toFull(faces), nil
}
