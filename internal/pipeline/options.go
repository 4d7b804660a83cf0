package pipeline

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/faceshield/internal/source"
)

var (
	// ErrInvalidPath is returned before any stage starts when the video path is empty.
	ErrInvalidPath = errors.New("invalid video path")
	// ErrInvalidOptions wraps every Options validation failure.
	ErrInvalidOptions = errors.New("invalid pipeline options")
)

// Options are the per-run knobs of the orchestrator.
type Options struct {
	// DownscaleRatio in (0,1]; below 1 the decoder emits proxy frames.
	DownscaleRatio   float64
	DownscaleQuality source.Quality
	// UseTracking reuses the last non-empty result on frames skipped by the interval.
	UseTracking           bool
	DetectEveryNFrames    int
	ParallelDetectorCount int
	// QueueCapacity bounds both stage queues. Zero means twice the detector count.
	QueueCapacity int
	// ScaleInDetector decodes full-resolution frames and lets a raw-capable
	// detector apply DownscaleRatio to each searched region instead. Ignored
	// for detectors without raw buffer support.
	ScaleInDetector bool
}

func DefaultOptions() Options {
	return Options{
		DownscaleRatio:        1.0,
		DownscaleQuality:      source.FastNearest,
		DetectEveryNFrames:    1,
		ParallelDetectorCount: 1,
	}
}

// Validate reports configuration errors wrapped in ErrInvalidOptions.
func (o Options) Validate() error {
	if !(o.DownscaleRatio > 0 && o.DownscaleRatio <= 1) {
		return fmt.Errorf("%w: downscale ratio must be in (0,1], got %g", ErrInvalidOptions, o.DownscaleRatio)
	}
	if o.DownscaleQuality != source.FastNearest && o.DownscaleQuality != source.BalancedBilinear {
		return fmt.Errorf("%w: unknown downscale quality %d", ErrInvalidOptions, o.DownscaleQuality)
	}
	if o.DetectEveryNFrames < 1 {
		return fmt.Errorf("%w: detect interval must be >= 1, got %d", ErrInvalidOptions, o.DetectEveryNFrames)
	}
	if o.ParallelDetectorCount < 1 {
		return fmt.Errorf("%w: parallel detector count must be >= 1, got %d", ErrInvalidOptions, o.ParallelDetectorCount)
	}
	if o.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue capacity must be >= 0, got %d", ErrInvalidOptions, o.QueueCapacity)
	}
	return nil
}

// Strategy is the execution plan chosen once per run.
type Strategy int

const (
	Sequential Strategy = iota
	SinglePipeline
	MultiDetector
)

func (s Strategy) String() string {
	switch s {
	case SinglePipeline:
		return "single-pipeline"
	case MultiDetector:
		return "multi-detector"
	default:
		return "sequential"
	}
}

// Outcome is how a run ended. Cancelled is not an error: callers must treat
// it like Completed, except that not every frame was visited.
type Outcome int

const (
	Completed Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "completed"
	}
}
