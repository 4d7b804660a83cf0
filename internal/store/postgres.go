package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores results in PostgreSQL. It uses a pool because the decode
// stage checks for existing entries while the writer stage is inserting.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_rects (
			video_id TEXT NOT NULL REFERENCES video_metadata(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			faces JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (video_id, frame_index)
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// EnsureVideo registers the video. If it exists, it updates the timestamp and
// keeps stored frames so an interrupted scan can resume.
func (s *Postgres) EnsureVideo(ctx context.Context, videoID, path string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_metadata (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, videoID, path)
	return err
}

func (s *Postgres) HasFrame(ctx context.Context, videoID string, frame int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM face_rects WHERE video_id = $1 AND frame_index = $2)",
		videoID, frame).Scan(&exists)
	return exists, err
}

func (s *Postgres) UpsertFrame(ctx context.Context, rec FrameRecord) error {
	faces, err := json.Marshal(toJSON(rec.Faces))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO face_rects (video_id, frame_index, width, height, faces, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NOW())
		ON CONFLICT (video_id, frame_index) DO UPDATE
		SET width = EXCLUDED.width, height = EXCLUDED.height, faces = EXCLUDED.faces, updated_at = NOW()
	`, rec.VideoID, rec.FrameIndex, rec.Width, rec.Height, string(faces))
	return err
}

func (s *Postgres) Frame(ctx context.Context, videoID string, frame int) (FrameRecord, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT video_id, frame_index, width, height, faces FROM face_rects WHERE video_id = $1 AND frame_index = $2",
		videoID, frame)
	rec, err := scanFrame(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return FrameRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *Postgres) ListFrames(ctx context.Context, videoID string) ([]FrameRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT video_id, frame_index, width, height, faces FROM face_rects WHERE video_id = $1 ORDER BY frame_index",
		videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		rec, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) ListVideos(ctx context.Context) ([]Video, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.path, v.indexed_at, COUNT(f.frame_index)
		FROM video_metadata v
		LEFT JOIN face_rects f ON f.video_id = v.id
		GROUP BY v.id, v.path, v.indexed_at
		ORDER BY v.indexed_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Video
	for rows.Next() {
		var v Video
		if err := rows.Scan(&v.ID, &v.Path, &v.IndexedAt, &v.Frames); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Postgres) ClearVideo(ctx context.Context, videoID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM video_metadata WHERE id = $1", videoID)
	return err
}

// Reset drops all application tables and recreates them empty.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS face_rects CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	if err != nil {
		return err
	}
	return initSchema(ctx, s.pool)
}

func scanFrame(row pgx.Row) (FrameRecord, error) {
	var rec FrameRecord
	var raw []byte
	if err := row.Scan(&rec.VideoID, &rec.FrameIndex, &rec.Width, &rec.Height, &raw); err != nil {
		return FrameRecord{}, err
	}
	var rects []rectJSON
	if err := json.Unmarshal(raw, &rects); err != nil {
		return FrameRecord{}, fmt.Errorf("corrupt faces for frame %d: %w", rec.FrameIndex, err)
	}
	rec.Faces = fromJSON(rects)
	return rec, nil
}
