package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/faceshield/internal/bufpool"
	"github.com/andresmejia3/faceshield/internal/detector"
	"github.com/andresmejia3/faceshield/internal/roi"
	"github.com/andresmejia3/faceshield/internal/source"
	"github.com/andresmejia3/faceshield/internal/types"
)

// frameTask travels from the decode stage to a detector worker. buf is nil for
// resumed frames and decode failures; otherwise the worker owns it.
type frameTask struct {
	index   int
	buf     *bufpool.Buffer
	resumed bool
	failed  bool
}

// runPipelined runs decode -> N detector workers -> one writer. Closing a
// channel is the "no more items" marker passed downstream. When track is set
// (a single worker) the previous frame's faces seed the next detection.
func (o *Orchestrator) runPipelined(ctx context.Context, run *runState, dets []detector.Detector, track bool) error {
	capacity := o.opts.QueueCapacity
	if capacity <= 0 {
		capacity = 2 * len(dets)
	}

	taskChan := make(chan frameTask, capacity)
	resultsChan := make(chan types.DetectionOutcome, capacity)
	stats := make([]roi.Stats, len(dets))

	g, gctx := errgroup.WithContext(ctx)

	// 1. Decode stage (producer)
	g.Go(func() error {
		defer close(taskChan)
		return o.decodeStage(gctx, run, taskChan)
	})

	// 2. Detector workers. The last one out closes the results channel.
	var wg sync.WaitGroup
	for i, d := range dets {
		i := i
		wg.Add(1)
		smart := &smartDetector{
			detect: regionDetector(d, o.rawOptions()),
			geom:   run.dec.geom,
		}
		g.Go(func() error {
			defer wg.Done()
			defer func() { stats[i] = smart.stats }()
			return detectStage(gctx, run.log.WithField("worker", i), smart, track, taskChan, resultsChan)
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(resultsChan)
		return nil
	})

	// 3. Writer (single consumer of results)
	g.Go(func() error {
		return o.writeStage(gctx, run, resultsChan)
	})

	err := g.Wait()

	// Buffers still queued when a stage stopped early
	for task := range taskChan {
		task.buf.Release()
	}
	for _, s := range stats {
		run.res.ROI.Attempts += s.Attempts
		run.res.ROI.Hits += s.Hits
		run.res.ROI.Fallbacks += s.Fallbacks
		run.res.ROI.Area += s.Area
	}
	return err
}

// decodeStage pushes frames in increasing index order. A full queue blocks it.
func (o *Orchestrator) decodeStage(ctx context.Context, run *runState, tasks chan<- frameTask) error {
	dec := run.dec
	next := dec.read.From

	push := func(t frameTask) error {
		select {
		case tasks <- t:
			return nil
		case <-ctx.Done():
			t.buf.Release()
			return ctx.Err()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resumed, err := o.store.HasEntry(ctx, next)
		if err != nil {
			return fmt.Errorf("check frame %d: %w", next, err)
		}

		var buf *bufpool.Buffer
		var idx int
		if resumed {
			idx, err = dec.src.Next(ctx, nil)
		} else {
			buf = dec.rent()
			idx, err = dec.src.Next(ctx, buf.Pix)
			if err != nil {
				buf.Release()
				buf = nil
			}
		}

		if err != nil {
			var decErr *source.DecodeError
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.As(err, &decErr):
				run.log.WithError(err).WithField("frame", decErr.Index).Warn("skipping undecodable frame")
				if err := push(frameTask{index: decErr.Index, failed: true}); err != nil {
					return err
				}
				next = decErr.Index + 1
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return fmt.Errorf("decode frame %d: %w", next, err)
			}
		}

		if buf != nil {
			buf.FrameIndex = idx
		}
		if err := push(frameTask{index: idx, buf: buf, resumed: resumed}); err != nil {
			return err
		}
		next = idx + 1
	}
}

// detectStage runs smart detection on each task and releases its buffer
// whatever the outcome.
func detectStage(ctx context.Context, log *logrus.Entry, smart *smartDetector, track bool, tasks <-chan frameTask, results chan<- types.DetectionOutcome) error {
	// lastKnown is the most recent non-empty result of this worker
	var lastKnown []types.FaceResult
	for {
		var task frameTask
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok = <-tasks:
			if !ok {
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			task.buf.Release()
			return err
		}

		out := types.DetectionOutcome{
			FrameIndex: task.index,
			FrameSize:  smart.geom.full,
			Resumed:    task.resumed,
			Failed:     task.failed,
		}
		if task.buf != nil {
			var prior []types.FaceResult
			if track {
				prior = lastKnown
			}
			faces, err := smart.run(ctx, task.buf, types.Rects(prior))
			task.buf.Release()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("detect frame %d: %w", task.index, err)
			}
			if track && len(faces) > 0 {
				lastKnown = faces
			}
			out.Faces = faces
			log.WithFields(logrus.Fields{"frame": task.index, "faces": len(faces)}).Trace("detected")
		}

		select {
		case results <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeStage is the only goroutine touching the store's write side, the
// per-frame callback and progress. Arrival order is not frame order when
// several workers run; writes are keyed so that does not matter.
func (o *Orchestrator) writeStage(ctx context.Context, run *runState, results <-chan types.DetectionOutcome) error {
	for {
		var out types.DetectionOutcome
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok = <-results:
			if !ok {
				return nil
			}
		}

		run.res.FramesVisited++
		run.onFrame(out.FrameIndex)

		switch {
		case out.Failed:
			run.res.DecodeFailures++
		case out.Resumed:
			run.res.FramesResumed++
		default:
			run.res.FramesDetected++
			if len(out.Faces) > 0 {
				if err := o.persist(ctx, run, out.FrameIndex, out.Faces); err != nil {
					return err
				}
			}
		}
		run.prog.report(out.FrameIndex)
	}
}
