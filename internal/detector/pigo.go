package detector

import (
	"context"
	"fmt"
	"image"
	"math"

	pigo "github.com/esimov/pigo/core"
	"golang.org/x/image/draw"

	"github.com/andresmejia3/faceshield/internal/bufpool"
	"github.com/andresmejia3/faceshield/internal/source"
	"github.com/andresmejia3/faceshield/internal/types"
)

// PigoParams mirror pigo.CascadeParams plus post-filtering.
type PigoParams struct {
	MinSize      int
	MaxSize      int
	ShiftFactor  float64
	ScaleFactor  float64
	IoUThreshold float64
	// MinQuality drops detections whose cascade score Q is below it.
	MinQuality float32
}

// DefaultPigoParams suit 360p-1080p footage.
func DefaultPigoParams() PigoParams {
	return PigoParams{
		MinSize:      20,
		MaxSize:      1000,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinQuality:   5.0,
	}
}

// qualityHalf is the cascade score that maps to confidence 0.5.
const qualityHalf = 10.0

// Pigo detects faces with the pigo pixel-intensity-comparison cascade.
// One instance must not be shared between goroutines; use the factory.
type Pigo struct {
	classifier *pigo.Pigo
	params     PigoParams
}

// NewPigo unpacks a cascade file's contents (e.g. cascade/facefinder).
func NewPigo(cascade []byte, params PigoParams) (*Pigo, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade: %w", err)
	}
	return &Pigo{classifier: classifier, params: params}, nil
}

// PigoFactory builds independent detectors from the same cascade bytes.
func PigoFactory(cascade []byte, params PigoParams) Factory {
	return func(ctx context.Context) (Detector, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewPigo(cascade, params)
	}
}

func (p *Pigo) Capabilities() Capabilities { return Capabilities{RawBuffer: true} }

func (p *Pigo) Close() error { return nil }

func (p *Pigo) Detect(ctx context.Context, img image.Image) ([]types.FaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)

	faces := p.run(gray)
	for i := range faces {
		faces[i] = faces[i].Translate(b.Min)
	}
	return faces, nil
}

func (p *Pigo) DetectRaw(ctx context.Context, view bufpool.View, opts RawOptions) ([]types.FaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gray := GrayFromView(view)

	ratio := opts.DownscaleRatio
	if ratio <= 0 || ratio >= 1 {
		return p.run(gray), nil
	}

	w := max(1, int(math.Round(float64(view.Width)*ratio)))
	h := max(1, int(math.Round(float64(view.Height)*ratio)))
	small := image.NewGray(image.Rect(0, 0, w, h))
	interpolator(opts.Quality).Scale(small, small.Bounds(), gray, gray.Bounds(), draw.Src, nil)

	sx := float64(view.Width) / float64(w)
	sy := float64(view.Height) / float64(h)
	faces := p.run(small)
	for i := range faces {
		faces[i] = faces[i].Scale(sx, sy)
	}
	return faces, nil
}

func (p *Pigo) run(gray *image.Gray) []types.FaceResult {
	cols, rows := gray.Rect.Dx(), gray.Rect.Dy()
	maxSize := p.params.MaxSize
	if m := min(cols, rows); maxSize > m {
		maxSize = m
	}
	if maxSize < p.params.MinSize {
		return nil
	}

	cp := pigo.CascadeParams{
		MinSize:     p.params.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: p.params.ShiftFactor,
		ScaleFactor: p.params.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: gray.Pix,
			Rows:   rows,
			Cols:   cols,
			Dim:    gray.Stride,
		},
	}
	dets := p.classifier.RunCascade(cp, 0.0)
	dets = p.classifier.ClusterDetections(dets, p.params.IoUThreshold)
	return toFaces(dets, image.Pt(cols, rows), p.params.MinQuality)
}

// toFaces converts center/scale detections to clipped rectangles.
func toFaces(dets []pigo.Detection, size image.Point, minQuality float32) []types.FaceResult {
	frame := image.Rect(0, 0, size.X, size.Y)
	var faces []types.FaceResult
	for _, d := range dets {
		if d.Q < minQuality {
			continue
		}
		half := d.Scale / 2
		r := image.Rect(d.Col-half, d.Row-half, d.Col+half, d.Row+half).Intersect(frame)
		if r.Empty() {
			continue
		}
		q := float64(d.Q)
		faces = append(faces, types.FaceResult{Bounds: r, Confidence: q / (q + qualityHalf)})
	}
	return faces
}

// GrayFromView converts BGRA pixels to luma using BT.601 weights.
func GrayFromView(v bufpool.View) *image.Gray {
	gray := image.NewGray(image.Rect(0, 0, v.Width, v.Height))
	for y := 0; y < v.Height; y++ {
		src := y * v.Stride
		dst := y * gray.Stride
		for x := 0; x < v.Width; x++ {
			b := uint32(v.Pix[src])
			g := uint32(v.Pix[src+1])
			r := uint32(v.Pix[src+2])
			gray.Pix[dst+x] = uint8((299*r + 587*g + 114*b) / 1000)
			src += bufpool.BytesPerPixel
		}
	}
	return gray
}

func interpolator(q source.Quality) draw.Interpolator {
	if q == source.BalancedBilinear {
		return draw.BiLinear
	}
	return draw.NearestNeighbor
}
