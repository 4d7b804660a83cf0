// Package source decodes video frames for the detection pipeline.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
)

// Quality selects the resampling filter used for in-decoder downscaling.
type Quality int

const (
	FastNearest Quality = iota
	BalancedBilinear
)

func (q Quality) String() string {
	switch q {
	case BalancedBilinear:
		return "bilinear"
	default:
		return "fast"
	}
}

// ParseQuality accepts "fast"/"nearest" and "bilinear"/"balanced".
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fast", "nearest":
		return FastNearest, nil
	case "bilinear", "balanced":
		return BalancedBilinear, nil
	}
	return FastNearest, fmt.Errorf("unknown downscale quality %q (use fast or bilinear)", s)
}

// Metadata is what the pipeline needs to know before decoding.
type Metadata struct {
	FPS         float64
	TotalFrames int
	Width       int
	Height      int
}

// ReadOptions configures a sequential read. Width and Height are the size of
// the frames written by Next; when smaller than the source they are scaled by
// the decoder using Quality.
type ReadOptions struct {
	From    int
	Width   int
	Height  int
	Quality Quality
}

// Source is one open decoder instance.
type Source interface {
	// FrameSize is the full-resolution size of the video.
	FrameSize() image.Point
	// StartSequentialRead (re)positions the decoder at opts.From.
	StartSequentialRead(ctx context.Context, opts ReadOptions) error
	// Next decodes the next frame into dst as BGRA with stride Width*4 and
	// returns its index. A nil dst advances without keeping the pixels.
	// io.EOF marks the end of the stream; a *DecodeError means only this frame
	// was lost and reading may continue.
	Next(ctx context.Context, dst []byte) (int, error)
	// FrameAt decodes a single frame at full resolution.
	FrameAt(ctx context.Context, index int) (*image.RGBA, error)
	// LastDecodeStatus and LastDecodeError are diagnostics from the decoder,
	// used only to recognise hardware transfer failures.
	LastDecodeStatus() string
	LastDecodeError() string
	Close() error
}

// Opener creates decoder instances and reads container metadata.
type Opener interface {
	Probe(ctx context.Context, path string) (Metadata, error)
	Open(ctx context.Context, path string, hardware bool) (Source, error)
}

// ErrHardwareTransfer is reported when hardware frames could not be copied back.
var ErrHardwareTransfer = errors.New("hardware frame transfer failed")

// DecodeError is a failure confined to one frame.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// hardwareMarkers name the transfer step itself; generic hwaccel noise
// such as device lookup warnings must not trigger a software retry.
var hardwareMarkers = []string{
	"failed to transfer data",
	"av_hwframe_transfer_data",
	"hw_frames",
}

// IsHardwareTransferFailure inspects decoder diagnostics for a hardware
// frame transfer condition.
func IsHardwareTransferFailure(status, lastErr string) bool {
	msg := strings.ToLower(status + "\n" + lastErr)
	if strings.Contains(msg, strings.ToLower(ErrHardwareTransfer.Error())) {
		return true
	}
	for _, m := range hardwareMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
