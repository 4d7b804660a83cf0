// Package worker runs an external face detection engine as a subprocess and
// exposes it as a detector. Frames go out on stdin; results come back on a
// dedicated pipe (fd 3) so engine logs on stdout/stderr never corrupt them.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/faceshield/internal/bufpool"
	"github.com/andresmejia3/faceshield/internal/detector"
	"github.com/andresmejia3/faceshield/internal/types"
	"github.com/andresmejia3/faceshield/internal/utils"
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse guards against a desynchronised stream allocating gigabytes.
	maxResponse = 16 * 1024 * 1024
)

// Engine is one running detector process.
type Engine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu      sync.Mutex
	scratch []byte
}

// NewEngine starts the engine command. The process is killed when ctx ends.
func NewEngine(ctx context.Context, id int, command []string) (*Engine, error) {
	if len(command) == 0 {
		return nil, errors.New("empty engine command")
	}
	// 1. Initialize the SafeCommand
	proc := utils.NewSafeCommand(ctx, command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Engine{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Factory spawns a fresh engine process per detector worker.
func Factory(command []string) detector.Factory {
	var next atomic.Int32
	return func(ctx context.Context) (detector.Detector, error) {
		return NewEngine(ctx, int(next.Add(1)), command)
	}
}

// Communicate sends one length-prefixed message and reads one back.
func (e *Engine) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err // This is where we catch an engine that died on startup
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("engine response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(e.DataPipe, respBody)
	return respBody, err
}

func (e *Engine) Capabilities() detector.Capabilities {
	return detector.Capabilities{RawBuffer: true}
}

// DetectRaw ships the view's pixels, row by row, without the parent stride.
func (e *Engine) DetectRaw(ctx context.Context, view bufpool.View, opts detector.RawOptions) ([]types.FaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ratio := opts.DownscaleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	// Request: [W][H][Ratio][Quality][BGRA rows]
	rowBytes := view.Width * bufpool.BytesPerPixel
	need := 13 + rowBytes*view.Height
	if cap(e.scratch) < need {
		e.scratch = make([]byte, need)
	}
	msg := e.scratch[:need]
	binary.BigEndian.PutUint32(msg[0:], uint32(view.Width))
	binary.BigEndian.PutUint32(msg[4:], uint32(view.Height))
	binary.BigEndian.PutUint32(msg[8:], math.Float32bits(float32(ratio)))
	msg[12] = byte(opts.Quality)
	for y := 0; y < view.Height; y++ {
		copy(msg[13+y*rowBytes:13+(y+1)*rowBytes], view.Pix[y*view.Stride:y*view.Stride+rowBytes])
	}

	resp, err := e.Communicate(msg)
	if err != nil {
		return nil, fmt.Errorf("engine %d: %w", e.ID, err)
	}
	return decodeResponse(resp)
}

// Detect converts the image to packed BGRA and reuses the raw path. Results
// are shifted into the image's coordinate space.
func (e *Engine) Detect(ctx context.Context, img image.Image) ([]types.FaceResult, error) {
	b := img.Bounds()
	view := bgraView(img)
	faces, err := e.DetectRaw(ctx, view, detector.RawOptions{DownscaleRatio: 1})
	if err != nil {
		return nil, err
	}
	for i := range faces {
		faces[i] = faces[i].Translate(b.Min)
	}
	return faces, nil
}

// Close shuts the engine down: closing stdin tells it to exit.
func (e *Engine) Close() error {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd != nil {
		return e.Cmd.Wait()
	}
	return nil
}

// decodeResponse parses [Status] then either
// [NumFaces] + NumFaces*([4]int32 box, float32 confidence) or [MsgLen][Msg].
func decodeResponse(resp []byte) ([]types.FaceResult, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty engine response: %w", err)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		return nil, fmt.Errorf("engine error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown engine status %d", status)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}
	if int(n)*20 > r.Len() {
		return nil, fmt.Errorf("engine reported %d faces but sent %d bytes", n, r.Len())
	}

	faces := make([]types.FaceResult, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		var conf float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &conf); err != nil {
			return nil, err
		}
		faces = append(faces, types.FaceResult{
			Bounds:     image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])),
			Confidence: float64(conf),
		})
	}
	return faces, nil
}

// bgraView packs any image into a standalone BGRA view.
func bgraView(img image.Image) bufpool.View {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h*bufpool.BytesPerPixel)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			pix[i] = uint8(bl >> 8)
			pix[i+1] = uint8(g >> 8)
			pix[i+2] = uint8(r >> 8)
			pix[i+3] = uint8(a >> 8)
			i += bufpool.BytesPerPixel
		}
	}
	return bufpool.View{Pix: pix, Stride: w * bufpool.BytesPerPixel, Width: w, Height: h}
}
