package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"

	"github.com/andresmejia3/faceshield/internal/utils"
)

// FFmpeg opens decoders backed by ffmpeg/ffprobe subprocesses.
type FFmpeg struct {
	// Bin is the ffmpeg executable, "ffmpeg" when empty.
	Bin string
	// ProbeBin is the ffprobe executable, "ffprobe" when empty.
	ProbeBin string
	// HWAccel is passed to -hwaccel when hardware decoding is requested.
	HWAccel string
}

// NewFFmpeg returns an opener using ffmpeg from PATH with automatic hardware selection.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{Bin: "ffmpeg", ProbeBin: "ffprobe", HWAccel: "auto"}
}

func (f *FFmpeg) bin() string {
	if f.Bin == "" {
		return "ffmpeg"
	}
	return f.Bin
}

// Probe reads fps, frame count and size with ffprobe.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Metadata, error) {
	info, err := utils.ProbeVideo(ctx, f.ProbeBin, path)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{FPS: info.FPS, TotalFrames: info.TotalFrames, Width: info.Width, Height: info.Height}, nil
}

// Open prepares a decoder. No process runs until StartSequentialRead or FrameAt.
func (f *FFmpeg) Open(ctx context.Context, path string, hardware bool) (Source, error) {
	if _, err := exec.LookPath(f.bin()); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", f.bin(), err)
	}
	meta, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	return &ffmpegSource{
		opener:   f,
		path:     path,
		hardware: hardware,
		size:     image.Pt(meta.Width, meta.Height),
	}, nil
}

type ffmpegSource struct {
	opener   *FFmpeg
	path     string
	hardware bool
	size     image.Point

	cmd        *utils.SafeCommand
	out        io.ReadCloser
	reader     *bufio.Reader
	cancel     context.CancelFunc
	frameBytes int
	next       int

	status  string
	lastErr string
}

func (s *ffmpegSource) FrameSize() image.Point { return s.size }

func (s *ffmpegSource) LastDecodeStatus() string { return s.status }

func (s *ffmpegSource) LastDecodeError() string { return s.lastErr }

func (s *ffmpegSource) inputArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if s.hardware {
		accel := s.opener.HWAccel
		if accel == "" {
			accel = "auto"
		}
		args = append(args, "-hwaccel", accel)
	}
	return append(args, "-i", s.path, "-map", "0:v:0")
}

// rawArgs builds the filter chain for a sequential read: frame-accurate
// selection of the start index and optional in-decoder scaling.
func (s *ffmpegSource) rawArgs(opts ReadOptions) []string {
	var filters []string
	if opts.From > 0 {
		filters = append(filters, fmt.Sprintf("select=gte(n\\,%d)", opts.From))
	}
	if opts.Width != s.size.X || opts.Height != s.size.Y {
		flags := "neighbor"
		if opts.Quality == BalancedBilinear {
			flags = "bilinear"
		}
		filters = append(filters, fmt.Sprintf("scale=%d:%d:flags=%s", opts.Width, opts.Height, flags))
	}

	args := s.inputArgs()
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	return append(args, "-fps_mode", "passthrough", "-f", "rawvideo", "-pix_fmt", "bgra", "-")
}

func (s *ffmpegSource) StartSequentialRead(ctx context.Context, opts ReadOptions) error {
	s.stop()
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = s.size.X, s.size.Y
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := utils.NewSafeCommand(procCtx, s.opener.bin(), s.rawArgs(opts)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start decoder: %w", err)
	}

	s.cmd = cmd
	s.out = out
	s.reader = bufio.NewReaderSize(out, 1<<20)
	s.cancel = cancel
	s.frameBytes = opts.Width * opts.Height * 4
	s.next = opts.From
	s.status = "running"
	s.lastErr = ""
	return nil
}

func (s *ffmpegSource) Next(ctx context.Context, dst []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if s.reader == nil {
		return -1, errors.New("sequential read not started")
	}
	if dst != nil && len(dst) < s.frameBytes {
		return -1, fmt.Errorf("destination holds %d bytes, frame needs %d", len(dst), s.frameBytes)
	}

	var err error
	if dst == nil {
		var n int64
		n, err = io.CopyN(io.Discard, s.reader, int64(s.frameBytes))
		if err == io.EOF && n > 0 {
			err = io.ErrUnexpectedEOF
		}
	} else {
		_, err = io.ReadFull(s.reader, dst[:s.frameBytes])
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, ctxErr
		}
		return -1, s.finish()
	}

	idx := s.next
	s.next++
	return idx, nil
}

// finish reaps the decoder after its output ended and classifies the exit.
func (s *ffmpegSource) finish() error {
	waitErr := s.cmd.Wait()
	s.lastErr = s.cmd.Stderr.LastLine()
	s.reader = nil
	if waitErr == nil {
		s.status = "eof"
		return io.EOF
	}

	s.status = waitErr.Error()
	if IsHardwareTransferFailure(s.status, s.lastErr) {
		return fmt.Errorf("%w: %s", ErrHardwareTransfer, s.lastErr)
	}
	return fmt.Errorf("decoder exited at frame %d: %v: %s", s.next, waitErr, s.lastErr)
}

func (s *ffmpegSource) FrameAt(ctx context.Context, index int) (*image.RGBA, error) {
	args := append(s.inputArgs(),
		"-vf", fmt.Sprintf("select=eq(n\\,%d)", index),
		"-frames:v", "1", "-fps_mode", "passthrough",
		"-f", "rawvideo", "-pix_fmt", "rgba", "-")
	cmd := utils.NewSafeCommand(ctx, s.opener.bin(), args...)
	out, err := cmd.Output()
	s.lastErr = cmd.Stderr.LastLine()
	if err != nil {
		s.status = err.Error()
		if IsHardwareTransferFailure(s.status, s.lastErr) {
			return nil, fmt.Errorf("%w: %s", ErrHardwareTransfer, s.lastErr)
		}
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("%v: %s", err, s.lastErr)}
	}

	need := s.size.X * s.size.Y * 4
	if len(out) < need {
		s.status = "short frame"
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("got %d bytes, want %d", len(out), need)}
	}
	s.status = "ok"
	return &image.RGBA{Pix: out[:need], Stride: s.size.X * 4, Rect: image.Rect(0, 0, s.size.X, s.size.Y)}, nil
}

func (s *ffmpegSource) stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.out != nil {
		s.out.Close()
		s.out = nil
	}
	if s.cmd != nil && s.reader != nil {
		// Killed on purpose; the exit status carries no diagnostics.
		s.cmd.Wait()
	}
	s.cmd = nil
	s.reader = nil
}

func (s *ffmpegSource) Close() error {
	s.stop()
	return nil
}
