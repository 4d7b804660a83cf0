package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/faceshield/internal/bufpool"
	"github.com/andresmejia3/faceshield/internal/source"
	"github.com/andresmejia3/faceshield/internal/types"
)

// runSequential decodes, detects and stores one frame at a time, in order.
// It is the only strategy honouring the detect interval and tracking.
func (o *Orchestrator) runSequential(ctx context.Context, run *runState) error {
	dec := run.dec
	smart := &smartDetector{
		detect: regionDetector(o.detector, o.rawOptions()),
		geom:   dec.geom,
	}
	defer func() { run.res.ROI = smart.stats }()

	every := o.opts.DetectEveryNFrames
	// lastNonEmpty seeds the ROI and feeds tracking
	var lastNonEmpty []types.FaceResult
	next := dec.read.From

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resumed, err := o.store.HasEntry(ctx, next)
		if err != nil {
			return fmt.Errorf("check frame %d: %w", next, err)
		}
		detect := !resumed && (next%every == 0 || lastNonEmpty == nil)

		var buf *bufpool.Buffer
		var idx int
		if detect {
			buf = dec.rent()
			idx, err = dec.src.Next(ctx, buf.Pix)
			if err != nil {
				buf.Release()
			}
		} else {
			idx, err = dec.src.Next(ctx, nil)
		}

		if err != nil {
			var decErr *source.DecodeError
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.As(err, &decErr):
				run.log.WithError(err).WithField("frame", decErr.Index).Warn("skipping undecodable frame")
				run.res.DecodeFailures++
				run.res.FramesVisited++
				run.onFrame(decErr.Index)
				run.prog.report(decErr.Index)
				next = decErr.Index + 1
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return fmt.Errorf("decode frame %d: %w", next, err)
			}
		}
		next = idx + 1
		run.res.FramesVisited++
		run.onFrame(idx)

		switch {
		case resumed:
			run.res.FramesResumed++

		case detect:
			buf.FrameIndex = idx
			faces, err := smart.run(ctx, buf, types.Rects(lastNonEmpty))
			buf.Release()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("detect frame %d: %w", idx, err)
			}
			run.res.FramesDetected++
			if len(faces) > 0 {
				lastNonEmpty = faces
				if err := o.persist(ctx, run, idx, faces); err != nil {
					return err
				}
			}

		case o.opts.UseTracking && lastNonEmpty != nil:
			// Interval frame: reuse the last result as is
			if err := o.persist(ctx, run, idx, slices.Clone(lastNonEmpty)); err != nil {
				return err
			}
		}

		run.prog.report(idx)
	}
}

// persist writes a non-empty result for one frame.
func (o *Orchestrator) persist(ctx context.Context, run *runState, idx int, faces []types.FaceResult) error {
	if err := o.store.SetFaceRects(ctx, idx, run.dec.geom.full, faces); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("store frame %d: %w", idx, err)
	}
	run.res.FramesWithFaces++
	run.log.WithFields(logrus.Fields{"frame": idx, "faces": len(faces)}).Debug("stored")
	return nil
}
