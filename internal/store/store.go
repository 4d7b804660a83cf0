// Package store persists per-frame face rectangles keyed by (video, frame).
// Writes are idempotent overwrites, so results may arrive in any order.
package store

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/andresmejia3/faceshield/internal/types"
)

// ErrNotFound is returned when a frame or video has no stored entry.
var ErrNotFound = errors.New("not found")

// FrameRecord is the stored result for one frame index.
type FrameRecord struct {
	VideoID    string
	FrameIndex int
	Width      int
	Height     int
	Faces      []types.FaceResult
}

// Video is a scanned source file.
type Video struct {
	ID        string
	Path      string
	IndexedAt time.Time
	Frames    int
}

// Backend is a database holding results for many videos.
type Backend interface {
	EnsureVideo(ctx context.Context, videoID, path string) error
	HasFrame(ctx context.Context, videoID string, frame int) (bool, error)
	UpsertFrame(ctx context.Context, rec FrameRecord) error
	Frame(ctx context.Context, videoID string, frame int) (FrameRecord, error)
	ListFrames(ctx context.Context, videoID string) ([]FrameRecord, error)
	ListVideos(ctx context.Context) ([]Video, error)
	ClearVideo(ctx context.Context, videoID string) error
	Reset(ctx context.Context) error
	Close() error
}

// Open picks a backend from the URL scheme:
// postgres:// or postgresql:// (pgx), sqlite://path or *.db (gorm), memory://.
func Open(ctx context.Context, url string) (Backend, error) {
	switch {
	case url == "" || url == "memory://":
		return NewMemory(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLite(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasSuffix(url, ".db"), strings.HasSuffix(url, ".sqlite"):
		return NewSQLite(url)
	}
	return nil, fmt.Errorf("unsupported database url %q", url)
}

// Results is the result store of one video, as seen by a pipeline run.
type Results struct {
	backend       Backend
	videoID       string
	minConfidence float64
}

// ForVideo scopes a backend to one video. Faces under minConfidence are
// dropped on write.
func ForVideo(b Backend, videoID string, minConfidence float64) *Results {
	return &Results{backend: b, videoID: videoID, minConfidence: minConfidence}
}

func (r *Results) VideoID() string { return r.videoID }

// HasEntry reports whether the frame already has a stored result.
func (r *Results) HasEntry(ctx context.Context, frame int) (bool, error) {
	return r.backend.HasFrame(ctx, r.videoID, frame)
}

// SetFaceRects overwrites the frame's entry. A frame whose faces are all
// filtered out is still recorded, with no rectangles.
func (r *Results) SetFaceRects(ctx context.Context, frame int, size image.Point, faces []types.FaceResult) error {
	kept := make([]types.FaceResult, 0, len(faces))
	for _, f := range faces {
		if f.Confidence >= r.minConfidence {
			kept = append(kept, f)
		}
	}
	return r.backend.UpsertFrame(ctx, FrameRecord{
		VideoID:    r.videoID,
		FrameIndex: frame,
		Width:      size.X,
		Height:     size.Y,
		Faces:      kept,
	})
}

// FaceRects returns the stored entry or ErrNotFound.
func (r *Results) FaceRects(ctx context.Context, frame int) (FrameRecord, error) {
	return r.backend.Frame(ctx, r.videoID, frame)
}

// ListFrames returns every stored frame in index order.
func (r *Results) ListFrames(ctx context.Context) ([]FrameRecord, error) {
	return r.backend.ListFrames(ctx, r.videoID)
}

// Clear drops all results of the video.
func (r *Results) Clear(ctx context.Context) error {
	return r.backend.ClearVideo(ctx, r.videoID)
}

// rectJSON is the serialised form of a face, shared by the SQL backends.
type rectJSON struct {
	X0         int     `json:"x0"`
	Y0         int     `json:"y0"`
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	Confidence float64 `json:"confidence"`
}

func toJSON(faces []types.FaceResult) []rectJSON {
	out := make([]rectJSON, len(faces))
	for i, f := range faces {
		out[i] = rectJSON{f.Bounds.Min.X, f.Bounds.Min.Y, f.Bounds.Max.X, f.Bounds.Max.Y, f.Confidence}
	}
	return out
}

func fromJSON(rects []rectJSON) []types.FaceResult {
	out := make([]types.FaceResult, len(rects))
	for i, r := range rects {
		out[i] = types.FaceResult{Bounds: image.Rect(r.X0, r.Y0, r.X1, r.Y1), Confidence: r.Confidence}
	}
	return out
}
