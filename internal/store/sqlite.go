package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite" // Pure Go
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlog "gorm.io/gorm/logger"
)

type videoRow struct {
	ID        string `gorm:"primaryKey"`
	Path      string
	IndexedAt time.Time
	Frames    []frameRow `gorm:"foreignKey:VideoID;constraint:OnDelete:CASCADE;"`
}

func (videoRow) TableName() string { return "video_metadata" }

type frameRow struct {
	VideoID    string `gorm:"primaryKey"`
	FrameIndex int    `gorm:"primaryKey;autoIncrement:false"`
	Width      int
	Height     int
	Faces      string // JSON array of rectangles
	UpdatedAt  time.Time
}

func (frameRow) TableName() string { return "face_rects" }

// SQLite is a single-file embedded store.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite opens (or creates) the database file and migrates it.
func NewSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Route GORM logging through logrus
	gormLogger := gormlog.New(
		log.StandardLogger(),
		gormlog.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  gormlog.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	// foreign_keys is off by default in SQLite; cascades depend on it
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}
	if err := db.AutoMigrate(&videoRow{}, &frameRow{}); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) EnsureVideo(ctx context.Context, videoID, path string) error {
	row := videoRow{ID: videoID, Path: path, IndexedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"path", "indexed_at"}),
	}).Create(&row).Error
}

func (s *SQLite) HasFrame(ctx context.Context, videoID string, frame int) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&frameRow{}).
		Where("video_id = ? AND frame_index = ?", videoID, frame).
		Limit(1).Count(&n).Error
	return n > 0, err
}

func (s *SQLite) UpsertFrame(ctx context.Context, rec FrameRecord) error {
	faces, err := json.Marshal(toJSON(rec.Faces))
	if err != nil {
		return err
	}
	tx := s.db.WithContext(ctx)
	// Frames may be written before EnsureVideo (e.g. a single-frame rescan)
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&videoRow{ID: rec.VideoID, IndexedAt: time.Now()}).Error; err != nil {
		return err
	}
	row := frameRow{
		VideoID:    rec.VideoID,
		FrameIndex: rec.FrameIndex,
		Width:      rec.Width,
		Height:     rec.Height,
		Faces:      string(faces),
		UpdatedAt:  time.Now(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "video_id"}, {Name: "frame_index"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *SQLite) Frame(ctx context.Context, videoID string, frame int) (FrameRecord, error) {
	var row frameRow
	err := s.db.WithContext(ctx).
		Where("video_id = ? AND frame_index = ?", videoID, frame).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FrameRecord{}, ErrNotFound
	}
	if err != nil {
		return FrameRecord{}, err
	}
	return row.record()
}

func (s *SQLite) ListFrames(ctx context.Context, videoID string) ([]FrameRecord, error) {
	var rows []frameRow
	if err := s.db.WithContext(ctx).Where("video_id = ?", videoID).Order("frame_index").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]FrameRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLite) ListVideos(ctx context.Context) ([]Video, error) {
	var rows []struct {
		ID        string
		Path      string
		IndexedAt time.Time
		Frames    int
	}
	err := s.db.WithContext(ctx).Model(&videoRow{}).
		Select("video_metadata.id, video_metadata.path, video_metadata.indexed_at, COUNT(face_rects.frame_index) AS frames").
		Joins("LEFT JOIN face_rects ON face_rects.video_id = video_metadata.id").
		Group("video_metadata.id").
		Order("video_metadata.indexed_at DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Video, len(rows))
	for i, r := range rows {
		out[i] = Video{ID: r.ID, Path: r.Path, IndexedAt: r.IndexedAt, Frames: r.Frames}
	}
	return out, nil
}

func (s *SQLite) ClearVideo(ctx context.Context, videoID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ?", videoID).Delete(&frameRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", videoID).Delete(&videoRow{}).Error
	})
}

func (s *SQLite) Reset(ctx context.Context) error {
	m := s.db.WithContext(ctx).Migrator()
	if err := m.DropTable(&frameRow{}, &videoRow{}); err != nil {
		return err
	}
	return m.AutoMigrate(&videoRow{}, &frameRow{})
}

func (r frameRow) record() (FrameRecord, error) {
	var rects []rectJSON
	if err := json.Unmarshal([]byte(r.Faces), &rects); err != nil {
		return FrameRecord{}, fmt.Errorf("corrupt faces for frame %d: %w", r.FrameIndex, err)
	}
	return FrameRecord{
		VideoID:    r.VideoID,
		FrameIndex: r.FrameIndex,
		Width:      r.Width,
		Height:     r.Height,
		Faces:      fromJSON(rects),
	}, nil
}
