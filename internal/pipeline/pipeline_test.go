package pipeline

import (
	"context"
	"errors"
	"image"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/andresmejia3/faceshield/internal/detector"
	"github.com/andresmejia3/faceshield/internal/source"
	"github.com/andresmejia3/faceshield/internal/types"
)

func TestSelectStrategy(t *testing.T) {
	raw := &spyDetector{raw: true}
	plain := &spyDetector{}
	factory := func(ctx context.Context) (detector.Detector, error) { return &spyDetector{raw: true}, nil }

	tests := []struct {
		name    string
		det     detector.Detector
		factory detector.Factory
		mutate  func(*Options)
		want    Strategy
	}{
		{"raw single", raw, nil, nil, SinglePipeline},
		{"no raw capability", plain, factory, func(o *Options) { o.ParallelDetectorCount = 4 }, Sequential},
		{"tracking", raw, factory, func(o *Options) { o.UseTracking = true }, Sequential},
		{"interval", raw, nil, func(o *Options) { o.DetectEveryNFrames = 5 }, Sequential},
		{"parallel without factory", raw, nil, func(o *Options) { o.ParallelDetectorCount = 4 }, SinglePipeline},
		{"factory but one worker", raw, factory, nil, SinglePipeline},
		{"multi", raw, factory, func(o *Options) { o.ParallelDetectorCount = 3 }, MultiDetector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			if tt.mutate != nil {
				tt.mutate(&opts)
			}
			o := New(newFakeOpener(1, 8, 8), tt.det, nil, opts, WithFactory(tt.factory))
			if got := o.selectStrategy(); got != tt.want {
				t.Errorf("selectStrategy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero ratio", func(o *Options) { o.DownscaleRatio = 0 }},
		{"ratio above one", func(o *Options) { o.DownscaleRatio = 1.5 }},
		{"interval", func(o *Options) { o.DetectEveryNFrames = 0 }},
		{"parallel", func(o *Options) { o.ParallelDetectorCount = 0 }},
		{"quality", func(o *Options) { o.DownscaleQuality = source.Quality(9) }},
		{"queue", func(o *Options) { o.QueueCapacity = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			if err := opts.Validate(); !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("Validate() = %v, want ErrInvalidOptions", err)
			}
		})
	}
	if err := DefaultOptions().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct{ idx, total, want int }{
		{0, 10, 0},
		{9, 10, 100},
		{4, 10, 44},
		{0, 1, 0},
		{3, 1, 100},
		{50, 10, 100},
	}
	for _, tt := range tests {
		if got := Percent(tt.idx, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tt.idx, tt.total, got, tt.want)
		}
	}
}

func TestInvalidPath(t *testing.T) {
	_, results := newResults()
	o := New(newFakeOpener(3, 8, 8), &spyDetector{raw: true}, results, DefaultOptions())

	res, err := o.Run(context.Background(), Request{VideoPath: "  "})
	if !errors.Is(err, ErrInvalidPath) || res.Outcome != Failed {
		t.Fatalf("Run() = %v, %v; want Failed, ErrInvalidPath", res.Outcome, err)
	}
	if _, err := o.RunSingleFrame(context.Background(), "", 0, nil); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("RunSingleFrame() err = %v", err)
	}
}

func TestEmptyMetadataIsNoop(t *testing.T) {
	opener := newFakeOpener(0, 8, 8)
	_, results := newResults()
	o := New(opener, &spyDetector{raw: true}, results, DefaultOptions())
	rec := &recorder{}

	res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4", Progress: rec.onProgress})
	if err != nil || res.Outcome != Completed {
		t.Fatalf("Run() = %v, %v", res.Outcome, err)
	}
	if len(opener.hardwareFlags()) != 0 {
		t.Error("decoder opened for a video without frames")
	}
	if !slices.Equal(rec.progress, []int{100}) {
		t.Errorf("progress = %v, want [100]", rec.progress)
	}
}

func TestProgressMonotonic(t *testing.T) {
	for _, tc := range []struct {
		name string
		det  *spyDetector
	}{
		{"sequential", &spyDetector{facesFor: constantFaces(face(1, 1, 5, 5))}},
		{"pipelined", &spyDetector{raw: true, facesFor: constantFaces(face(1, 1, 5, 5))}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, results := newResults()
			o := New(newFakeOpener(10, 16, 16), tc.det, results, DefaultOptions())
			rec := &recorder{}

			res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4", Progress: rec.onProgress})
			if err != nil || res.Outcome != Completed {
				t.Fatalf("Run() = %v, %v", res.Outcome, err)
			}

			p := rec.progress
			if len(p) != 11 {
				t.Fatalf("expected 10 frame reports plus the final one, got %v", p)
			}
			hundreds := 0
			for i, v := range p {
				if v < 0 || v > 100 {
					t.Errorf("progress out of range: %d", v)
				}
				if i > 0 && v < p[i-1] {
					t.Errorf("progress decreased: %v", p)
				}
				if v == 100 {
					hundreds++
				}
			}
			if p[len(p)-1] != 100 || hundreds != 1 {
				t.Errorf("final report must be the only 100, got %v", p)
			}
		})
	}
}

func TestResumeSkipsStoredFrames(t *testing.T) {
	const total, k = 12, 5
	for _, tc := range []struct {
		name string
		raw  bool
		want Strategy
	}{
		{"sequential", false, Sequential},
		{"single pipeline", true, SinglePipeline},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem, results := newResults()
			ctx := context.Background()
			for i := 0; i < k; i++ {
				if err := results.SetFaceRects(ctx, i, image.Pt(32, 32), []types.FaceResult{face(0, 0, 4, 4)}); err != nil {
					t.Fatal(err)
				}
			}

			spy := &spyDetector{raw: tc.raw, facesFor: constantFaces(face(8, 8, 16, 16))}
			opener := newFakeOpener(total, 32, 32)
			o := New(opener, spy, results, DefaultOptions())
			rec := &recorder{}

			res, err := o.Run(ctx, Request{VideoPath: "v.mp4", OnFrame: rec.onFrame})
			if err != nil || res.Outcome != Completed {
				t.Fatalf("Run() = %v, %v", res.Outcome, err)
			}
			if res.Strategy != tc.want {
				t.Fatalf("strategy = %v, want %v", res.Strategy, tc.want)
			}

			for _, f := range spy.called() {
				if f < k {
					t.Errorf("detector ran on resumed frame %d", f)
				}
			}
			if got := len(spy.called()); got != total-k {
				t.Errorf("detector calls = %d, want %d", got, total-k)
			}
			frames := slices.Clone(rec.frames)
			sort.Ints(frames)
			for i := 0; i < total; i++ {
				if i >= len(frames) || frames[i] != i {
					t.Fatalf("callback frames = %v, want every index in [0,%d)", rec.frames, total)
				}
			}
			if res.FramesResumed != k || res.FramesDetected != total-k {
				t.Errorf("resumed=%d detected=%d", res.FramesResumed, res.FramesDetected)
			}

			// Resumed entries keep their original rectangles
			stored := storedFrames(mem)
			if len(stored) != total {
				t.Fatalf("stored %d frames, want %d", len(stored), total)
			}
			if stored[0][0].Bounds != image.Rect(0, 0, 4, 4) || stored[k][0].Bounds != image.Rect(8, 8, 16, 16) {
				t.Errorf("unexpected stored rects: %v / %v", stored[0], stored[k])
			}
		})
	}
}

func TestStartFrame(t *testing.T) {
	mem, results := newResults()
	spy := &spyDetector{raw: true, facesFor: constantFaces(face(0, 0, 4, 4))}
	o := New(newFakeOpener(10, 16, 16), spy, results, DefaultOptions())

	res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4", StartFrame: 6})
	if err != nil || res.FramesVisited != 4 {
		t.Fatalf("Run() visited %d, err %v", res.FramesVisited, err)
	}
	if _, ok := mem.Faces(testVideo, 5); ok {
		t.Error("frame before the start index was stored")
	}
	if _, ok := mem.Faces(testVideo, 9); !ok {
		t.Error("last frame missing")
	}
}

func TestProxyRoundTrip(t *testing.T) {
	mem, results := newResults()
	opener := newFakeOpener(3, 40, 40)
	// Detections are reported on the 20x20 proxy buffer
	spy := &spyDetector{raw: true, facesFor: constantFaces(face(0, 0, 10, 10))}
	opts := DefaultOptions()
	opts.DownscaleRatio = 0.5
	opts.DownscaleQuality = source.BalancedBilinear

	o := New(opener, spy, results, opts)
	if _, err := o.Run(context.Background(), Request{VideoPath: "v.mp4"}); err != nil {
		t.Fatal(err)
	}

	ro := opener.readOpts[len(opener.readOpts)-1]
	if ro.Width != 20 || ro.Height != 20 || ro.Quality != source.BalancedBilinear {
		t.Errorf("decoder asked for %dx%d %v", ro.Width, ro.Height, ro.Quality)
	}
	for i := 0; i < 3; i++ {
		faces, ok := mem.Faces(testVideo, i)
		if !ok || len(faces) != 1 || faces[0].Bounds != image.Rect(0, 0, 20, 20) {
			t.Errorf("frame %d stored %v, want (0,0)-(20,20)", i, faces)
		}
	}
}

func TestGeometry(t *testing.T) {
	g := newGeometry(image.Pt(1920, 1080), 0.5)
	if g.proxy != image.Pt(960, 540) || g.scaleX != 2 || g.scaleY != 2 {
		t.Fatalf("geometry = %+v", g)
	}
	if got := g.toProxy(image.Rect(101, 99, 301, 201)); got != image.Rect(50, 49, 151, 101) {
		t.Errorf("toProxy = %v", got)
	}
	if g := newGeometry(image.Pt(640, 480), 1); g.scaled() {
		t.Error("ratio 1 should not scale")
	}
}

func TestROISeedsSinglePipeline(t *testing.T) {
	mem, results := newResults()
	spy := &spyDetector{raw: true, facesFor: constantFaces(face(10, 10, 30, 30))}
	o := New(newFakeOpener(5, 200, 200), spy, results, DefaultOptions())

	res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4"})
	if err != nil {
		t.Fatal(err)
	}

	regions := spy.searched()
	if len(regions) != 5 {
		t.Fatalf("detector calls = %d, want 5", len(regions))
	}
	if regions[0] != image.Rect(0, 0, 200, 200) {
		t.Errorf("first frame should search the whole frame, got %v", regions[0])
	}
	for i, r := range regions[1:] {
		if r != image.Rect(0, 0, 64, 64) {
			t.Errorf("frame %d searched %v, want the 64x64 region", i+1, r)
		}
	}
	if res.ROI.Attempts != 4 || res.ROI.Hits != 4 || res.ROI.Fallbacks != 0 {
		t.Errorf("roi stats = %s", res.ROI)
	}
	if faces, _ := mem.Faces(testVideo, 4); len(faces) != 1 || faces[0].Bounds != image.Rect(10, 10, 30, 30) {
		t.Errorf("frame 4 = %v", faces)
	}
}

func TestROIFallsBackWhenSubjectMoves(t *testing.T) {
	mem, results := newResults()
	spy := &spyDetector{raw: true, facesFor: func(frame int) []types.FaceResult {
		if frame == 0 {
			return []types.FaceResult{face(10, 10, 30, 30)}
		}
		return []types.FaceResult{face(150, 150, 180, 180)}
	}}
	o := New(newFakeOpener(2, 200, 200), spy, results, DefaultOptions())

	res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	// frame 0 full, frame 1 region then full
	if n := len(spy.searched()); n != 3 {
		t.Fatalf("detector calls = %d, want 3", n)
	}
	if res.ROI.Fallbacks != 1 || res.ROI.Hits != 0 {
		t.Errorf("roi stats = %s", res.ROI)
	}
	if faces, _ := mem.Faces(testVideo, 1); len(faces) != 1 || faces[0].Bounds != image.Rect(150, 150, 180, 180) {
		t.Errorf("frame 1 = %v", faces)
	}
}

func TestDetectInterval(t *testing.T) {
	for _, tc := range []struct {
		name       string
		tracking   bool
		wantStored []int
	}{
		{"tracking reuses last result", true, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"no tracking records nothing", false, []int{0, 3, 6, 9}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem, results := newResults()
			spy := &spyDetector{raw: true, facesFor: constantFaces(face(2, 2, 12, 12))}
			opener := newFakeOpener(10, 64, 64)
			opts := DefaultOptions()
			opts.DetectEveryNFrames = 3
			opts.UseTracking = tc.tracking

			o := New(opener, spy, results, opts)
			res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4"})
			if err != nil {
				t.Fatal(err)
			}
			if res.Strategy != Sequential {
				t.Fatalf("strategy = %v", res.Strategy)
			}
			if got := spy.called(); !slices.Equal(got, []int{0, 3, 6, 9}) {
				t.Errorf("detected frames = %v", got)
			}

			var stored []int
			for idx := range storedFrames(mem) {
				stored = append(stored, idx)
			}
			sort.Ints(stored)
			if !slices.Equal(stored, tc.wantStored) {
				t.Errorf("stored frames = %v, want %v", stored, tc.wantStored)
			}
			if faces, ok := mem.Faces(testVideo, 9); !ok || faces[0].Bounds != image.Rect(2, 2, 12, 12) {
				t.Errorf("frame 9 = %v", faces)
			}
		})
	}
}

func TestIntervalWaitsForFirstFace(t *testing.T) {
	_, results := newResults()
	spy := &spyDetector{raw: true, facesFor: func(frame int) []types.FaceResult {
		if frame < 2 {
			return nil
		}
		return []types.FaceResult{face(0, 0, 8, 8)}
	}}
	opts := DefaultOptions()
	opts.DetectEveryNFrames = 4
	o := New(newFakeOpener(9, 32, 32), spy, results, opts)

	if _, err := o.Run(context.Background(), Request{VideoPath: "v.mp4"}); err != nil {
		t.Fatal(err)
	}
	// Every frame is detected until a face is found, then only multiples of 4
	if got := spy.called(); !slices.Equal(got, []int{0, 1, 2, 4, 8}) {
		t.Errorf("detected frames = %v", got)
	}
}

func TestHardwareFallback(t *testing.T) {
	mem, results := newResults()
	opener := newFakeOpener(4, 16, 16)
	opener.hwFail = true
	spy := &spyDetector{raw: true, facesFor: constantFaces(face(0, 0, 4, 4))}
	o := New(opener, spy, results, DefaultOptions())

	res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4"})
	if err != nil || res.Outcome != Completed {
		t.Fatalf("Run() = %v, %v", res.Outcome, err)
	}
	if got := opener.hardwareFlags(); !slices.Equal(got, []bool{true, false}) {
		t.Errorf("open calls = %v, want hardware then software", got)
	}
	if res.Hardware {
		t.Error("result still reports hardware decoding")
	}
	if len(storedFrames(mem)) != 4 {
		t.Errorf("stored %d frames after fallback", len(storedFrames(mem)))
	}
}

func TestTrialReadRewinds(t *testing.T) {
	_, results := newResults()
	opener := newFakeOpener(3, 16, 16)
	spy := &spyDetector{raw: true}
	o := New(opener, spy, results, DefaultOptions())

	if _, err := o.Run(context.Background(), Request{VideoPath: "v.mp4", StartFrame: 1}); err != nil {
		t.Fatal(err)
	}
	if got := opener.hardwareFlags(); !slices.Equal(got, []bool{true}) {
		t.Errorf("open calls = %v, want a single hardware open", got)
	}
	// The trial frame is decoded again by the real read
	if got := spy.called(); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("detected frames = %v, want [1 2]", got)
	}
}

func TestDecodeFailureIsSkipped(t *testing.T) {
	for _, raw := range []bool{false, true} {
		mem, results := newResults()
		opener := newFakeOpener(5, 16, 16)
		opener.decodeErrs = map[int]bool{2: true}
		spy := &spyDetector{raw: raw, facesFor: constantFaces(face(0, 0, 4, 4))}
		rec := &recorder{}

		o := New(opener, spy, results, DefaultOptions())
		res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4", OnFrame: rec.onFrame})
		if err != nil || res.Outcome != Completed {
			t.Fatalf("raw=%v: Run() = %v, %v", raw, res.Outcome, err)
		}
		if res.DecodeFailures != 1 || res.FramesVisited != 5 {
			t.Errorf("raw=%v: failures=%d visited=%d", raw, res.DecodeFailures, res.FramesVisited)
		}
		if _, ok := mem.Faces(testVideo, 2); ok {
			t.Errorf("raw=%v: undecodable frame was stored", raw)
		}
		if len(storedFrames(mem)) != 4 || len(rec.frames) != 5 {
			t.Errorf("raw=%v: stored=%d callbacks=%v", raw, len(storedFrames(mem)), rec.frames)
		}
	}
}

func TestCancellationSafety(t *testing.T) {
	for _, tc := range []struct {
		name     string
		raw      bool
		parallel int
	}{
		{"sequential", false, 1},
		{"single pipeline", true, 1},
		{"multi detector", true, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const cancelAt = 7
			mem, results := newResults()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			newSpy := func() *spyDetector {
				return &spyDetector{
					raw:      tc.raw,
					facesFor: constantFaces(face(0, 0, 4, 4)),
					onCall: func(frame int) {
						if frame == cancelAt {
							cancel()
						}
					},
				}
			}
			factory := func(ctx context.Context) (detector.Detector, error) {
				return newSpy(), nil
			}

			opts := DefaultOptions()
			opts.ParallelDetectorCount = tc.parallel
			rec := &recorder{}
			o := New(newFakeOpener(100, 16, 16), newSpy(), results, opts, WithFactory(factory))

			res, err := o.Run(ctx, Request{VideoPath: "v.mp4", Progress: rec.onProgress})
			if err != nil {
				t.Fatalf("cancellation surfaced as error: %v", err)
			}
			if res.Outcome != Cancelled {
				t.Errorf("outcome = %v, want cancelled", res.Outcome)
			}
			if res.Detectors != tc.parallel {
				t.Errorf("detectors = %d, want %d", res.Detectors, tc.parallel)
			}
			if res.LeakedBuffers != 0 {
				t.Errorf("%d buffers still rented", res.LeakedBuffers)
			}
			// Several workers may finish later frames before the cancel lands
			if tc.parallel == 1 {
				for idx := range storedFrames(mem) {
					if idx >= cancelAt {
						t.Errorf("frame %d stored after cancellation", idx)
					}
				}
			}
			if n := len(rec.progress); n == 0 || rec.progress[n-1] != 100 {
				t.Errorf("progress = %v, want a final 100", rec.progress)
			}
			if c := countOf(rec.progress, 100); c != 1 {
				t.Errorf("100%% reported %d times, want once", c)
			}
		})
	}
}

func countOf(values []int, v int) int {
	n := 0
	for _, x := range values {
		if x == v {
			n++
		}
	}
	return n
}

func TestROISeedSurvivesEmptyFrame(t *testing.T) {
	for _, tc := range []struct {
		name     string
		raw      bool
		strategy Strategy
	}{
		{"sequential", false, Sequential},
		{"single pipeline", true, SinglePipeline},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem, results := newResults()
			spy := &spyDetector{raw: tc.raw, facesFor: func(frame int) []types.FaceResult {
				if frame == 1 {
					return nil
				}
				return []types.FaceResult{face(10, 10, 30, 30)}
			}}
			o := New(newFakeOpener(3, 200, 200), spy, results, DefaultOptions())

			res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4"})
			if err != nil {
				t.Fatal(err)
			}
			if res.Strategy != tc.strategy {
				t.Fatalf("strategy = %v, want %v", res.Strategy, tc.strategy)
			}

			full, region := image.Rect(0, 0, 200, 200), image.Rect(0, 0, 64, 64)
			// frame 0 full; frame 1 region then full; frame 2 region seeded by frame 0
			want := []image.Rectangle{full, region, full, region}
			if got := spy.searched(); !slices.Equal(got, want) {
				t.Errorf("searched %v, want %v", got, want)
			}
			if res.ROI.Attempts != 2 || res.ROI.Hits != 1 || res.ROI.Fallbacks != 1 {
				t.Errorf("roi stats = %s", res.ROI)
			}
			stored := storedFrames(mem)
			if _, ok := stored[1]; ok {
				t.Error("empty frame 1 was stored")
			}
			if faces := stored[2]; len(faces) != 1 || faces[0].Bounds != image.Rect(10, 10, 30, 30) {
				t.Errorf("frame 2 = %v", faces)
			}
		})
	}
}

func TestProxyRegionRoundTrip(t *testing.T) {
	mem, results := newResults()
	// Face on the 200x200 proxy buffer
	spy := &spyDetector{raw: true, facesFor: constantFaces(face(100, 100, 120, 120))}
	opts := DefaultOptions()
	opts.DownscaleRatio = 0.5

	o := New(newFakeOpener(3, 400, 400), spy, results, opts)
	res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4"})
	if err != nil {
		t.Fatal(err)
	}

	regions := spy.searched()
	if len(regions) != 3 || regions[0] != image.Rect(0, 0, 200, 200) {
		t.Fatalf("searched %v", regions)
	}
	for i, r := range regions[1:] {
		if want := image.Rect(84, 84, 136, 136); r != want {
			t.Errorf("frame %d searched %v, want %v", i+1, r, want)
		}
	}
	if res.ROI.Attempts != 2 || res.ROI.Hits != 2 {
		t.Errorf("roi stats = %s", res.ROI)
	}
	for i := 0; i < 3; i++ {
		faces, ok := mem.Faces(testVideo, i)
		if !ok || len(faces) != 1 || faces[0].Bounds != image.Rect(200, 200, 240, 240) {
			t.Errorf("frame %d stored %v, want (200,200)-(240,240)", i, faces)
		}
	}
}

func TestScaleInDetector(t *testing.T) {
	for _, tc := range []struct {
		name      string
		raw       bool
		face      types.FaceResult // in decoded buffer coordinates
		wantRead  image.Point
		wantRatio float64
	}{
		{"raw detector shrinks regions itself", true, face(0, 0, 20, 20), image.Pt(40, 40), 0.5},
		{"image detector keeps decoder scaling", false, face(0, 0, 10, 10), image.Pt(20, 20), 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem, results := newResults()
			opener := newFakeOpener(2, 40, 40)
			spy := &spyDetector{raw: tc.raw, facesFor: constantFaces(tc.face)}
			opts := DefaultOptions()
			opts.DownscaleRatio = 0.5
			opts.DownscaleQuality = source.BalancedBilinear
			opts.ScaleInDetector = true

			o := New(opener, spy, results, opts)
			if _, err := o.Run(context.Background(), Request{VideoPath: "v.mp4"}); err != nil {
				t.Fatal(err)
			}

			ro := opener.readOpts[len(opener.readOpts)-1]
			if got := image.Pt(ro.Width, ro.Height); got != tc.wantRead {
				t.Errorf("decoder asked for %v, want %v", got, tc.wantRead)
			}
			if spy.lastRaw.DownscaleRatio != tc.wantRatio {
				t.Errorf("detector ratio = %v, want %v", spy.lastRaw.DownscaleRatio, tc.wantRatio)
			}
			if tc.raw && spy.lastRaw.Quality != source.BalancedBilinear {
				t.Errorf("detector quality = %v", spy.lastRaw.Quality)
			}
			for i := 0; i < 2; i++ {
				if faces, _ := mem.Faces(testVideo, i); len(faces) != 1 || faces[0].Bounds != image.Rect(0, 0, 20, 20) {
					t.Errorf("frame %d stored %v, want (0,0)-(20,20)", i, faces)
				}
			}
		})
	}
}

func TestMultiDetectorOutOfOrder(t *testing.T) {
	const total = 20
	expected := func(frame int) []types.FaceResult {
		return []types.FaceResult{face(frame, frame, frame+10, frame+10)}
	}

	mem, results := newResults()
	slow := &spyDetector{raw: true, facesFor: expected, delay: 15 * time.Millisecond}
	var fast *spyDetector
	factory := func(ctx context.Context) (detector.Detector, error) {
		if fast != nil {
			return nil, errors.New("only one extra detector available")
		}
		fast = &spyDetector{raw: true, facesFor: expected}
		return fast, nil
	}

	opts := DefaultOptions()
	opts.ParallelDetectorCount = 3 // the factory gives up after one
	o := New(newFakeOpener(total, 64, 64), slow, results, opts, WithFactory(factory))
	rec := &recorder{}

	res, err := o.Run(context.Background(), Request{VideoPath: "v.mp4", OnFrame: rec.onFrame})
	if err != nil || res.Outcome != Completed {
		t.Fatalf("Run() = %v, %v", res.Outcome, err)
	}
	if res.Strategy != MultiDetector || res.Detectors != 2 {
		t.Fatalf("strategy=%v detectors=%d", res.Strategy, res.Detectors)
	}
	if len(slow.called())+len(fast.called()) != total {
		t.Errorf("detections = %d + %d, want %d", len(slow.called()), len(fast.called()), total)
	}
	if res.ROI.Attempts != 0 {
		t.Errorf("multi-detector workers must not plan regions: %s", res.ROI)
	}

	stored := storedFrames(mem)
	if len(stored) != total {
		t.Fatalf("stored %d frames, want %d", len(stored), total)
	}
	for i := 0; i < total; i++ {
		want := expected(i)
		if got := stored[i]; len(got) != 1 || got[0].Bounds != want[0].Bounds {
			t.Errorf("frame %d = %v, want %v", i, got, want)
		}
	}
	if len(rec.frames) != total {
		t.Errorf("callbacks = %d, want %d", len(rec.frames), total)
	}
}

func TestRunSingleFrame(t *testing.T) {
	mem, results := newResults()
	spy := &spyDetector{facesFor: func(frame int) []types.FaceResult {
		if frame == 7 {
			return []types.FaceResult{face(4, 4, 12, 12)}
		}
		return nil
	}}
	o := New(newFakeOpener(10, 32, 32), spy, results, DefaultOptions())
	rec := &recorder{}

	found, err := o.RunSingleFrame(context.Background(), "v.mp4", 7, rec.onProgress)
	if err != nil || !found {
		t.Fatalf("RunSingleFrame(7) = %v, %v", found, err)
	}
	if faces, ok := mem.Faces(testVideo, 7); !ok || faces[0].Bounds != image.Rect(4, 4, 12, 12) {
		t.Errorf("frame 7 = %v", faces)
	}
	if !slices.Equal(rec.progress, []int{100}) {
		t.Errorf("progress = %v", rec.progress)
	}

	// An empty result still overwrites the entry
	found, err = o.RunSingleFrame(context.Background(), "v.mp4", 3, nil)
	if err != nil || found {
		t.Fatalf("RunSingleFrame(3) = %v, %v", found, err)
	}
	if faces, ok := mem.Faces(testVideo, 3); !ok || len(faces) != 0 {
		t.Errorf("frame 3 = %v, %v", faces, ok)
	}

	if _, err := o.RunSingleFrame(context.Background(), "v.mp4", 99, nil); err == nil {
		t.Error("expected error for missing frame")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if found, err := o.RunSingleFrame(ctx, "v.mp4", 7, nil); err != nil || found {
		t.Errorf("cancelled RunSingleFrame = %v, %v", found, err)
	}
}
