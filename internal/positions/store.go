/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package positions persists last-known playback offsets per track in
// client-local durable storage, so a track resumes where it left off
// across sessions. Purely a local convenience with no cross-client
// meaning.
package positions

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/models"
)

// DefaultSaveInterval bounds how often a track's position is written
// during continuous playback.
const DefaultSaveInterval = 2 * time.Second

// Store is a small durable key-value store of resume points.
type Store struct {
	db       *gorm.DB
	clk      clock.Clock
	interval time.Duration

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

// Open creates or opens the position database at path. ":memory:" is
// accepted for tests.
func Open(path string, clk clock.Clock, interval time.Duration) (*Store, error) {
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open position store: %w", err)
	}
	if err := db.AutoMigrate(&models.PlaybackPosition{}); err != nil {
		return nil, fmt.Errorf("migrate position store: %w", err)
	}
	return &Store{
		db:        db,
		clk:       clk,
		interval:  interval,
		lastWrite: make(map[string]time.Time),
	}, nil
}

// Save records the track's offset, writing at most once per interval.
// Throttled calls are silently skipped; use SaveNow for pause anchors.
// The throttle only engages after a successful write, so a failed write
// does not suppress the next attempt.
func (s *Store) Save(trackID string, positionMS int64) error {
	s.mu.Lock()
	now := s.clk.Now()
	if last, ok := s.lastWrite[trackID]; ok && now.Sub(last) < s.interval {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.write(trackID, positionMS, now); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastWrite[trackID] = now
	s.mu.Unlock()
	return nil
}

// SaveNow records the offset unconditionally.
func (s *Store) SaveNow(trackID string, positionMS int64) error {
	now := s.clk.Now()
	if err := s.write(trackID, positionMS, now); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastWrite[trackID] = now
	s.mu.Unlock()
	return nil
}

func (s *Store) write(trackID string, positionMS int64, now time.Time) error {
	row := models.PlaybackPosition{
		TrackID:    trackID,
		PositionMS: positionMS,
		UpdatedAt:  now.UTC(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "track_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"position_ms", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// Load returns the saved offset for the track, or 0 if absent.
func (s *Store) Load(trackID string) int64 {
	var row models.PlaybackPosition
	if err := s.db.First(&row, "track_id = ?", trackID).Error; err != nil {
		return 0
	}
	return row.PositionMS
}

// Clear removes the saved offset, called when a track finishes naturally.
func (s *Store) Clear(trackID string) error {
	s.mu.Lock()
	delete(s.lastWrite, trackID)
	s.mu.Unlock()
	return s.db.Delete(&models.PlaybackPosition{}, "track_id = ?", trackID).Error
}

// Close releases the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
