package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/faceshield/internal/bufpool"
	"github.com/andresmejia3/faceshield/internal/detector"
	"github.com/andresmejia3/faceshield/internal/source"
	"github.com/andresmejia3/faceshield/internal/store"
	"github.com/andresmejia3/faceshield/internal/types"
)

// fakeOpener serves synthetic frames whose pixels encode the frame index:
// blue holds the low byte, green the high byte.
type fakeOpener struct {
	frames int
	size   image.Point
	fps    float64
	// hwFail makes the first read of a hardware instance fail like a
	// hardware frame transfer would.
	hwFail     bool
	decodeErrs map[int]bool

	mu        sync.Mutex
	opened    []bool
	readOpts  []source.ReadOptions
	decoded   []int
	skipped   []int
	openCount int
}

func newFakeOpener(frames, w, h int) *fakeOpener {
	return &fakeOpener{frames: frames, size: image.Pt(w, h), fps: 25}
}

func (o *fakeOpener) Probe(ctx context.Context, path string) (source.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return source.Metadata{}, err
	}
	return source.Metadata{FPS: o.fps, TotalFrames: o.frames, Width: o.size.X, Height: o.size.Y}, nil
}

func (o *fakeOpener) Open(ctx context.Context, path string, hardware bool) (source.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, hardware)
	o.openCount++
	return &fakeSource{o: o, hardware: hardware}, nil
}

func (o *fakeOpener) hardwareFlags() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.opened...)
}

type fakeSource struct {
	o        *fakeOpener
	hardware bool
	opts     source.ReadOptions
	next     int
	started  bool
	status   string
	lastErr  string
}

func (s *fakeSource) FrameSize() image.Point { return s.o.size }

func (s *fakeSource) StartSequentialRead(ctx context.Context, opts source.ReadOptions) error {
	s.opts = opts
	s.next = opts.From
	s.started = true
	s.o.mu.Lock()
	s.o.readOpts = append(s.o.readOpts, opts)
	s.o.mu.Unlock()
	return nil
}

func (s *fakeSource) Next(ctx context.Context, dst []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if !s.started {
		return -1, errors.New("sequential read not started")
	}
	if s.hardware && s.o.hwFail {
		s.status = "exit status 1"
		s.lastErr = "Failed to transfer data to output frame: -5"
		return -1, errors.New("decoder exited")
	}
	if s.next >= s.o.frames {
		return -1, io.EOF
	}
	idx := s.next
	s.next++
	if s.o.decodeErrs[idx] {
		return -1, &source.DecodeError{Index: idx, Err: errors.New("corrupt packet")}
	}

	s.o.mu.Lock()
	if dst == nil {
		s.o.skipped = append(s.o.skipped, idx)
	} else {
		s.o.decoded = append(s.o.decoded, idx)
	}
	s.o.mu.Unlock()

	if dst != nil {
		n := s.opts.Width * s.opts.Height * bufpool.BytesPerPixel
		for i := 0; i < n; i += bufpool.BytesPerPixel {
			dst[i] = byte(idx)
			dst[i+1] = byte(idx >> 8)
			dst[i+2] = 0
			dst[i+3] = 255
		}
	}
	return idx, nil
}

func (s *fakeSource) FrameAt(ctx context.Context, index int) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index >= s.o.frames {
		return nil, &source.DecodeError{Index: index, Err: io.EOF}
	}
	img := image.NewRGBA(image.Rect(0, 0, s.o.size.X, s.o.size.Y))
	c := color.RGBA{B: byte(index), G: byte(index >> 8), A: 255}
	for y := 0; y < s.o.size.Y; y++ {
		for x := 0; x < s.o.size.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

func (s *fakeSource) LastDecodeStatus() string { return s.status }
func (s *fakeSource) LastDecodeError() string  { return s.lastErr }
func (s *fakeSource) Close() error             { return nil }

// spyDetector records every call. facesFor returns faces in buffer/image
// coordinates for a frame; only those inside the searched area are reported.
type spyDetector struct {
	raw      bool
	facesFor func(frame int) []types.FaceResult
	delay    time.Duration
	// onCall runs before detection; used to cancel mid-run.
	onCall func(frame int)

	mu      sync.Mutex
	calls   []int
	regions []image.Rectangle
	lastRaw detector.RawOptions
}

func (d *spyDetector) Capabilities() detector.Capabilities {
	return detector.Capabilities{RawBuffer: d.raw}
}

func (d *spyDetector) Close() error { return nil }

func (d *spyDetector) record(frame int, region image.Rectangle) {
	d.mu.Lock()
	d.calls = append(d.calls, frame)
	d.regions = append(d.regions, region)
	d.mu.Unlock()
}

func (d *spyDetector) called() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.calls...)
}

func (d *spyDetector) searched() []image.Rectangle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]image.Rectangle(nil), d.regions...)
}

func (d *spyDetector) find(ctx context.Context, frame int, area image.Rectangle) ([]types.FaceResult, error) {
	if d.onCall != nil {
		d.onCall(frame)
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.record(frame, area)
	if d.facesFor == nil {
		return nil, nil
	}
	var out []types.FaceResult
	for _, f := range d.facesFor(frame) {
		if f.Bounds.In(area) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (d *spyDetector) Detect(ctx context.Context, img image.Image) ([]types.FaceResult, error) {
	b := img.Bounds()
	_, g, bl, _ := img.At(b.Min.X, b.Min.Y).RGBA()
	frame := int(bl>>8) | int(g>>8)<<8
	return d.find(ctx, frame, b)
}

func (d *spyDetector) DetectRaw(ctx context.Context, view bufpool.View, opts detector.RawOptions) ([]types.FaceResult, error) {
	d.mu.Lock()
	d.lastRaw = opts
	d.mu.Unlock()
	bl, g, _, _ := view.BGRAAt(0, 0)
	frame := int(bl) | int(g)<<8
	area := image.Rect(0, 0, view.Width, view.Height).Add(view.Origin)
	faces, err := d.find(ctx, frame, area)
	for i := range faces {
		faces[i] = faces[i].Translate(view.Origin.Mul(-1))
	}
	return faces, err
}

func constantFaces(faces ...types.FaceResult) func(int) []types.FaceResult {
	return func(int) []types.FaceResult { return faces }
}

func face(x0, y0, x1, y1 int) types.FaceResult {
	return types.FaceResult{Bounds: image.Rect(x0, y0, x1, y1), Confidence: 0.9}
}

const testVideo = "video-1"

func newResults() (*store.Memory, *store.Results) {
	mem := store.NewMemory()
	return mem, store.ForVideo(mem, testVideo, 0)
}

func storedFrames(mem *store.Memory) map[int][]types.FaceResult {
	recs, _ := mem.ListFrames(context.Background(), testVideo)
	out := make(map[int][]types.FaceResult, len(recs))
	for _, r := range recs {
		out[r.FrameIndex] = r.Faces
	}
	return out
}

// recorder collects callback and progress values from the run's goroutines.
type recorder struct {
	mu       sync.Mutex
	frames   []int
	progress []int
}

func (r *recorder) onFrame(i int) {
	r.mu.Lock()
	r.frames = append(r.frames, i)
	r.mu.Unlock()
}

func (r *recorder) onProgress(p int) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}
