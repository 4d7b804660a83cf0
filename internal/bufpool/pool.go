// Package bufpool recycles BGRA frame buffers between the decode stage and the
// detector stages. Every Rent must be matched by exactly one Release.
package bufpool

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
)

// BytesPerPixel is fixed: buffers always hold BGRA.
const BytesPerPixel = 4

// Pool hands out buffers large enough for the biggest frame of a run.
type Pool struct {
	size        int
	pool        sync.Pool
	outstanding atomic.Int64
}

// New creates a pool whose buffers hold at least width*4*height bytes.
func New(width, height int) *Pool {
	size := width * BytesPerPixel * height
	p := &Pool{size: size}
	p.pool.New = func() interface{} { return make([]byte, 0, size) }
	return p
}

// Rent returns a buffer shaped for a width x height frame. The caller owns it
// until it calls Release or hands it to another stage.
func (p *Pool) Rent(width, height int) *Buffer {
	need := width * BytesPerPixel * height
	buf := p.pool.Get().([]byte)
	if cap(buf) < need {
		buf = make([]byte, need)
	}
	p.outstanding.Add(1)
	return &Buffer{
		FrameIndex: -1,
		Pix:        buf[:need],
		Stride:     width * BytesPerPixel,
		Width:      width,
		Height:     height,
		pool:       p,
	}
}

// Outstanding reports how many rented buffers have not been released yet.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Size is the byte footprint the pool was sized for.
func (p *Pool) Size() int {
	return p.size
}

// Buffer is a rented BGRA frame. It has exactly one owner at a time.
type Buffer struct {
	FrameIndex int
	Pix        []byte
	Stride     int
	Width      int
	Height     int

	pool     *Pool
	released atomic.Bool
}

// Release returns the buffer to its pool. Releasing twice is a programming
// error and panics, since a second owner could still be reading the pixels.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	if !b.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("bufpool: buffer for frame %d released twice", b.FrameIndex))
	}
	pix := b.Pix[:0]
	b.Pix = nil
	b.pool.outstanding.Add(-1)
	b.pool.pool.Put(pix)
}

// Bounds is the full frame rectangle of the buffer.
func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

// Full is a view over the entire buffer.
func (b *Buffer) Full() View {
	return View{Pix: b.Pix, Stride: b.Stride, Width: b.Width, Height: b.Height}
}

// Region returns a bounds-checked view of r without copying pixels.
func (b *Buffer) Region(r image.Rectangle) (View, error) {
	if r.Empty() || !r.In(b.Bounds()) {
		return View{}, fmt.Errorf("region %v outside frame %v", r, b.Bounds())
	}
	start := r.Min.Y*b.Stride + r.Min.X*BytesPerPixel
	end := (r.Max.Y-1)*b.Stride + r.Max.X*BytesPerPixel
	return View{
		Pix:    b.Pix[start:end:end],
		Stride: b.Stride,
		Width:  r.Dx(),
		Height: r.Dy(),
		Origin: r.Min,
	}, nil
}

// View is a sub-rectangle of a Buffer. Pixel (x, y) of the view starts at
// Pix[y*Stride + x*4]. Origin is where the view sits in the parent buffer.
type View struct {
	Pix    []byte
	Stride int
	Width  int
	Height int
	Origin image.Point
}

// BGRAAt returns the channels of pixel (x, y), relative to the view.
func (v View) BGRAAt(x, y int) (b, g, r, a uint8) {
	off := y*v.Stride + x*BytesPerPixel
	return v.Pix[off], v.Pix[off+1], v.Pix[off+2], v.Pix[off+3]
}

// ToRGBA copies the view into a fresh RGBA image whose bounds match the view's
// position in the parent buffer.
func (v View) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(v.Origin.X, v.Origin.Y, v.Origin.X+v.Width, v.Origin.Y+v.Height))
	for y := 0; y < v.Height; y++ {
		src := y * v.Stride
		dst := y * img.Stride
		for x := 0; x < v.Width; x++ {
			img.Pix[dst] = v.Pix[src+2]
			img.Pix[dst+1] = v.Pix[src+1]
			img.Pix[dst+2] = v.Pix[src]
			img.Pix[dst+3] = v.Pix[src+3]
			src += BytesPerPixel
			dst += 4
		}
	}
	return img
}
