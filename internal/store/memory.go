package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/andresmejia3/faceshield/internal/types"
)

// Memory keeps everything in process. Used for dry runs and tests.
type Memory struct {
	mu     sync.RWMutex
	videos map[string]*memVideo
}

type memVideo struct {
	path      string
	indexedAt time.Time
	frames    map[int]FrameRecord
}

func NewMemory() *Memory {
	return &Memory{videos: make(map[string]*memVideo)}
}

func (m *Memory) EnsureVideo(ctx context.Context, videoID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		v = &memVideo{frames: make(map[int]FrameRecord)}
		m.videos[videoID] = v
	}
	v.path = path
	v.indexedAt = time.Now()
	return nil
}

func (m *Memory) HasFrame(ctx context.Context, videoID string, frame int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[videoID]
	if !ok {
		return false, nil
	}
	_, ok = v.frames[frame]
	return ok, nil
}

func (m *Memory) UpsertFrame(ctx context.Context, rec FrameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[rec.VideoID]
	if !ok {
		v = &memVideo{frames: make(map[int]FrameRecord), indexedAt: time.Now()}
		m.videos[rec.VideoID] = v
	}
	rec.Faces = slices.Clone(rec.Faces)
	v.frames[rec.FrameIndex] = rec
	return nil
}

func (m *Memory) Frame(ctx context.Context, videoID string, frame int) (FrameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[videoID]
	if !ok {
		return FrameRecord{}, ErrNotFound
	}
	rec, ok := v.frames[frame]
	if !ok {
		return FrameRecord{}, ErrNotFound
	}
	rec.Faces = slices.Clone(rec.Faces)
	return rec, nil
}

func (m *Memory) ListFrames(ctx context.Context, videoID string) ([]FrameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[videoID]
	if !ok {
		return nil, nil
	}
	out := make([]FrameRecord, 0, len(v.frames))
	for _, rec := range v.frames {
		rec.Faces = slices.Clone(rec.Faces)
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b FrameRecord) int { return a.FrameIndex - b.FrameIndex })
	return out, nil
}

func (m *Memory) ListVideos(ctx context.Context) ([]Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Video, 0, len(m.videos))
	for id, v := range m.videos {
		out = append(out, Video{ID: id, Path: v.path, IndexedAt: v.indexedAt, Frames: len(v.frames)})
	}
	slices.SortFunc(out, func(a, b Video) int { return b.IndexedAt.Compare(a.IndexedAt) })
	return out, nil
}

func (m *Memory) ClearVideo(ctx context.Context, videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.videos, videoID)
	return nil
}

func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos = make(map[string]*memVideo)
	return nil
}

func (m *Memory) Close() error { return nil }

// Faces is a test helper returning just the rectangles of a stored frame.
func (m *Memory) Faces(videoID string, frame int) ([]types.FaceResult, bool) {
	rec, err := m.Frame(context.Background(), videoID, frame)
	if err != nil {
		return nil, false
	}
	return rec.Faces, true
}
