// Package pipeline drives face detection over a video: it decodes frames,
// detects faces (optionally seeded by the previous frame), and stores the
// rectangles per frame index.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/faceshield/internal/detector"
	"github.com/andresmejia3/faceshield/internal/roi"
	"github.com/andresmejia3/faceshield/internal/source"
	"github.com/andresmejia3/faceshield/internal/types"
)

// ResultStore is where per-frame results go. Writes are keyed overwrites;
// HasEntry may be called while a write is in flight.
type ResultStore interface {
	HasEntry(ctx context.Context, frame int) (bool, error)
	SetFaceRects(ctx context.Context, frame int, size image.Point, faces []types.FaceResult) error
}

// Orchestrator runs detection over one video at a time.
type Orchestrator struct {
	opener   source.Opener
	detector detector.Detector
	factory  detector.Factory
	store    ResultStore
	opts     Options
	log      *logrus.Entry
}

type Option func(*Orchestrator)

// WithFactory enables the multi-detector strategy.
func WithFactory(f detector.Factory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

func WithLogger(l *logrus.Entry) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New builds an orchestrator. The detector is borrowed, not closed; detectors
// created through the factory are closed by the run that created them.
func New(opener source.Opener, det detector.Detector, store ResultStore, opts Options, options ...Option) *Orchestrator {
	o := &Orchestrator{
		opener:   opener,
		detector: det,
		store:    store,
		opts:     opts,
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Request describes one run.
type Request struct {
	VideoPath  string
	StartFrame int
	// Progress receives non-decreasing percentages and exactly one final 100.
	Progress func(int)
	// OnFrame fires once per visited frame index, resumed and undecodable
	// frames included.
	OnFrame func(int)
}

// Result summarises a run.
type Result struct {
	Outcome         Outcome
	Strategy        Strategy
	Detectors       int
	Hardware        bool
	TotalFrames     int
	FramesVisited   int
	FramesResumed   int
	FramesDetected  int
	FramesWithFaces int
	DecodeFailures  int
	ROI             roi.Stats
	// LeakedBuffers is the pool's outstanding count after shutdown; always 0
	// unless a stage broke the ownership rules.
	LeakedBuffers int64
	Elapsed       time.Duration
}

// selectStrategy decides the execution plan once per run.
func (o *Orchestrator) selectStrategy() Strategy {
	_, raw := detector.AsRaw(o.detector)
	if o.opts.UseTracking || o.opts.DetectEveryNFrames > 1 || !raw {
		return Sequential
	}
	if o.factory == nil || o.opts.ParallelDetectorCount <= 1 {
		return SinglePipeline
	}
	return MultiDetector
}

// Run detects faces in every frame from req.StartFrame onward. The error is
// non-nil only when the outcome is Failed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	res := Result{Outcome: Failed}
	if strings.TrimSpace(req.VideoPath) == "" {
		return res, ErrInvalidPath
	}
	if err := o.opts.Validate(); err != nil {
		return res, err
	}
	if req.StartFrame < 0 {
		return res, fmt.Errorf("%w: start frame must be >= 0, got %d", ErrInvalidOptions, req.StartFrame)
	}

	started := time.Now()
	log := o.log.WithField("run_id", uuid.NewString())

	meta, err := o.opener.Probe(ctx, req.VideoPath)
	if err != nil {
		prog := newProgress(req.Progress, 0)
		defer prog.finish()
		if ctx.Err() != nil {
			res.Outcome = Cancelled
			return res, nil
		}
		return res, fmt.Errorf("failed to read video metadata: %w", err)
	}

	prog := newProgress(req.Progress, meta.TotalFrames)
	defer prog.finish()

	res.TotalFrames = meta.TotalFrames
	if meta.FPS <= 0 || meta.TotalFrames <= 0 {
		log.WithField("path", req.VideoPath).Info("no decodable video stream, nothing to do")
		res.Outcome = Completed
		return res, nil
	}

	res.Strategy = o.selectStrategy()
	log = log.WithField("strategy", res.Strategy.String())

	dec, err := o.openDecoder(ctx, log, req.VideoPath, req.StartFrame)
	if err != nil {
		if ctx.Err() != nil {
			res.Outcome = Cancelled
			return res, nil
		}
		return res, err
	}
	defer dec.close()
	res.Hardware = dec.hardware

	log.WithFields(logrus.Fields{
		"frames":   meta.TotalFrames,
		"fps":      meta.FPS,
		"full":     dec.geom.full,
		"proxy":    dec.geom.proxy,
		"hardware": dec.hardware,
	}).Debug("run started")

	run := &runState{
		req:  req,
		dec:  dec,
		prog: prog,
		log:  log,
		res:  &res,
	}

	switch res.Strategy {
	case Sequential:
		res.Detectors = 1
		err = o.runSequential(ctx, run)
	case SinglePipeline:
		res.Detectors = 1
		err = o.runPipelined(ctx, run, []detector.Detector{o.detector}, true)
	case MultiDetector:
		dets := o.spawnDetectors(ctx, log)
		defer func() {
			for _, d := range dets[1:] {
				d.Close()
			}
		}()
		res.Detectors = len(dets)
		err = o.runPipelined(ctx, run, dets, false)
	}

	res.LeakedBuffers = dec.pool.Outstanding()
	res.Elapsed = time.Since(started)
	if res.LeakedBuffers != 0 {
		log.WithField("buffers", res.LeakedBuffers).Error("frame buffers not returned to pool")
	}

	switch {
	case ctx.Err() != nil:
		res.Outcome = Cancelled
		log.Info("run cancelled")
		return res, nil
	case err != nil:
		res.Outcome = Failed
		return res, err
	}
	res.Outcome = Completed
	log.WithFields(logrus.Fields{
		"visited":    res.FramesVisited,
		"resumed":    res.FramesResumed,
		"detected":   res.FramesDetected,
		"with_faces": res.FramesWithFaces,
		"roi":        res.ROI.String(),
		"elapsed":    res.Elapsed.Round(time.Millisecond),
	}).Info("run completed")
	return res, nil
}

// scaleInDetector reports whether frames are decoded at full resolution and
// shrunk by the detector rather than by the decoder.
func (o *Orchestrator) scaleInDetector() bool {
	if !o.opts.ScaleInDetector || o.opts.DownscaleRatio >= 1 {
		return false
	}
	_, raw := detector.AsRaw(o.detector)
	return raw
}

// rawOptions is what raw detectors receive for every region. Proxy frames
// from the decoder are searched as they are.
func (o *Orchestrator) rawOptions() detector.RawOptions {
	opts := detector.RawOptions{DownscaleRatio: 1, Quality: o.opts.DownscaleQuality}
	if o.scaleInDetector() {
		opts.DownscaleRatio = o.opts.DownscaleRatio
	}
	return opts
}

// spawnDetectors returns the primary detector followed by as many factory
// instances as could be created, up to the requested count.
func (o *Orchestrator) spawnDetectors(ctx context.Context, log *logrus.Entry) []detector.Detector {
	dets := []detector.Detector{o.detector}
	for len(dets) < o.opts.ParallelDetectorCount {
		d, err := o.factory(ctx)
		if err != nil {
			log.WithError(err).Warnf("could only create %d of %d detectors", len(dets), o.opts.ParallelDetectorCount)
			break
		}
		if _, ok := detector.AsRaw(d); !ok {
			log.Warn("factory detector lacks raw buffer support, not using it")
			d.Close()
			break
		}
		dets = append(dets, d)
	}
	return dets
}

// RunSingleFrame re-detects one frame on an independent decoder, stores the
// result (overwriting any previous entry) and reports whether a face was found.
// Cancellation returns false without an error.
func (o *Orchestrator) RunSingleFrame(ctx context.Context, videoPath string, frameIndex int, progressSink func(int)) (bool, error) {
	if strings.TrimSpace(videoPath) == "" {
		return false, ErrInvalidPath
	}
	if frameIndex < 0 {
		return false, fmt.Errorf("%w: frame index must be >= 0, got %d", ErrInvalidOptions, frameIndex)
	}
	prog := newProgress(progressSink, 1)
	defer prog.finish()

	found, err := o.runSingleFrame(ctx, videoPath, frameIndex)
	if ctx.Err() != nil {
		return false, nil
	}
	return found, err
}

func (o *Orchestrator) runSingleFrame(ctx context.Context, path string, idx int) (bool, error) {
	img, err := o.fetchFrame(ctx, path, idx, true)
	if err != nil && isHardwareFailure(nil, err) && ctx.Err() == nil {
		o.log.WithError(err).Warn("hardware frame transfer failed, retrying with software decoding")
		img, err = o.fetchFrame(ctx, path, idx, false)
	}
	if err != nil {
		return false, err
	}

	faces, err := o.detector.Detect(ctx, img)
	if err != nil {
		return false, fmt.Errorf("detect frame %d: %w", idx, err)
	}
	if err := o.store.SetFaceRects(ctx, idx, img.Bounds().Size(), faces); err != nil {
		return false, fmt.Errorf("store frame %d: %w", idx, err)
	}
	return len(faces) > 0, nil
}

func (o *Orchestrator) fetchFrame(ctx context.Context, path string, idx int, hardware bool) (*image.RGBA, error) {
	src, err := o.opener.Open(ctx, path, hardware)
	if err != nil {
		return nil, fmt.Errorf("failed to open video: %w", err)
	}
	defer src.Close()

	img, err := src.FrameAt(ctx, idx)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, &source.DecodeError{Index: idx, Err: errors.New("frame not found")}
	}
	return img, nil
}

// runState is the per-run context shared by the strategies.
type runState struct {
	req  Request
	dec  *decoder
	prog *progress
	log  *logrus.Entry
	res  *Result
}

func (r *runState) onFrame(idx int) {
	if r.req.OnFrame != nil {
		r.req.OnFrame(idx)
	}
}
