/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dataservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/listenroom/internal/cache"
	"github.com/friendsincode/listenroom/internal/eventbus"
	"github.com/friendsincode/listenroom/internal/models"
)

// GormService is the reference Service implementation backed by gorm.
// Every committed mutation is rebroadcast through the row feed so all
// clients, the mutating one included, converge through one code path.
type GormService struct {
	db     *gorm.DB
	feed   eventbus.Feed
	cache  *cache.Cache
	logger zerolog.Logger
}

// NewGormService creates the gorm-backed data service. cache may be nil.
func NewGormService(db *gorm.DB, feed eventbus.Feed, playlistCache *cache.Cache, logger zerolog.Logger) *GormService {
	return &GormService{db: db, feed: feed, cache: playlistCache, logger: logger}
}

// GetOrCreatePlaylist returns the conversation's playlist, creating it lazily.
func (s *GormService) GetOrCreatePlaylist(ctx context.Context, conversationID string) (*models.SharedPlaylist, error) {
	var playlist models.SharedPlaylist
	err := s.db.WithContext(ctx).First(&playlist, "conversation_id = ?", conversationID).Error
	if err == nil {
		return &playlist, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}

	playlist = models.SharedPlaylist{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		ServerTimestamp: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&playlist).Error; err != nil {
		// Lost a creation race; the unique index on conversation_id
		// means the winner's row is the one to use.
		var existing models.SharedPlaylist
		if ferr := s.db.WithContext(ctx).First(&existing, "conversation_id = ?", conversationID).Error; ferr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("create playlist: %w", err)
	}
	return &playlist, nil
}

// GetPlaylist fetches a playlist row, consulting the cache first.
func (s *GormService) GetPlaylist(ctx context.Context, playlistID string) (*models.SharedPlaylist, error) {
	if cached := s.cache.GetPlaylist(ctx, playlistID); cached != nil {
		return cached, nil
	}

	var playlist models.SharedPlaylist
	err := s.db.WithContext(ctx).First(&playlist, "id = ?", playlistID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlaylistNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}

	s.cache.SetPlaylist(ctx, &playlist)
	return &playlist, nil
}

// UpdatePlayback applies a partial playback update, stamps the server
// timestamp, and broadcasts the committed row.
func (s *GormService) UpdatePlayback(ctx context.Context, playlistID string, update PlaybackUpdate) (*models.SharedPlaylist, error) {
	columns := map[string]any{
		"server_timestamp": time.Now().UTC(),
	}
	if update.CurrentTrackID != nil {
		columns["current_track_id"] = *update.CurrentTrackID
	}
	if update.IsPlaying != nil {
		columns["is_playing"] = *update.IsPlaying
	}
	if update.PositionMS != nil {
		columns["current_position_ms"] = *update.PositionMS
	}

	result := s.db.WithContext(ctx).Model(&models.SharedPlaylist{}).
		Where("id = ?", playlistID).
		Updates(columns)
	if result.Error != nil {
		return nil, fmt.Errorf("update playback: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrPlaylistNotFound
	}

	s.cache.InvalidatePlaylist(ctx, playlistID)

	var playlist models.SharedPlaylist
	if err := s.db.WithContext(ctx).First(&playlist, "id = ?", playlistID).Error; err != nil {
		return nil, fmt.Errorf("reload playlist: %w", err)
	}

	s.publishPlayback(ctx, &playlist)
	return &playlist, nil
}

// ListTracks returns the playlist's tracks ordered by position index.
func (s *GormService) ListTracks(ctx context.Context, playlistID string) ([]models.PlaylistTrack, error) {
	if cached := s.cache.GetTracks(ctx, playlistID); cached != nil {
		return cached, nil
	}

	var tracks []models.PlaylistTrack
	err := s.db.WithContext(ctx).
		Where("playlist_id = ?", playlistID).
		Order("position_index ASC").
		Find(&tracks).Error
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}

	s.cache.SetTracks(ctx, playlistID, tracks)
	return tracks, nil
}

// InsertTrack appends a track at the end of the playlist.
func (s *GormService) InsertTrack(ctx context.Context, track models.PlaylistTrack) (*models.PlaylistTrack, error) {
	if track.ID == "" {
		track.ID = uuid.NewString()
	}
	if track.AddedAt.IsZero() {
		track.AddedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxIndex int
		row := tx.Model(&models.PlaylistTrack{}).
			Where("playlist_id = ?", track.PlaylistID).
			Select("COALESCE(MAX(position_index), 0)").
			Row()
		if err := row.Scan(&maxIndex); err != nil {
			return fmt.Errorf("max position index: %w", err)
		}
		track.PositionIndex = maxIndex + 1
		return tx.Create(&track).Error
	})
	if err != nil {
		return nil, fmt.Errorf("insert track: %w", err)
	}

	s.publishTracks(ctx, track.PlaylistID)
	return &track, nil
}

// DeleteTrack removes a track and closes the gap in position indexes.
func (s *GormService) DeleteTrack(ctx context.Context, playlistID, trackID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var track models.PlaylistTrack
		err := tx.First(&track, "id = ? AND playlist_id = ?", trackID, playlistID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTrackNotFound
		}
		if err != nil {
			return err
		}

		if err := tx.Delete(&models.PlaylistTrack{}, "id = ?", track.ID).Error; err != nil {
			return err
		}

		// Only siblings after the removed track shift.
		return tx.Model(&models.PlaylistTrack{}).
			Where("playlist_id = ? AND position_index > ?", playlistID, track.PositionIndex).
			UpdateColumn("position_index", gorm.Expr("position_index - 1")).Error
	})
	if err != nil {
		return err
	}

	s.publishTracks(ctx, playlistID)
	return nil
}

// ReorderTrack moves a track to a new 1-based index. Only the siblings
// between the old and new positions are renumbered.
func (s *GormService) ReorderTrack(ctx context.Context, playlistID, trackID string, newIndex int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var track models.PlaylistTrack
		err := tx.First(&track, "id = ? AND playlist_id = ?", trackID, playlistID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTrackNotFound
		}
		if err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.PlaylistTrack{}).Where("playlist_id = ?", playlistID).Count(&count).Error; err != nil {
			return err
		}
		if newIndex < 1 {
			newIndex = 1
		}
		if newIndex > int(count) {
			newIndex = int(count)
		}
		if newIndex == track.PositionIndex {
			return nil
		}

		if newIndex < track.PositionIndex {
			// Moving up: siblings in [newIndex, old) shift down by one.
			err = tx.Model(&models.PlaylistTrack{}).
				Where("playlist_id = ? AND position_index >= ? AND position_index < ?", playlistID, newIndex, track.PositionIndex).
				UpdateColumn("position_index", gorm.Expr("position_index + 1")).Error
		} else {
			// Moving down: siblings in (old, newIndex] shift up by one.
			err = tx.Model(&models.PlaylistTrack{}).
				Where("playlist_id = ? AND position_index > ? AND position_index <= ?", playlistID, track.PositionIndex, newIndex).
				UpdateColumn("position_index", gorm.Expr("position_index - 1")).Error
		}
		if err != nil {
			return err
		}

		return tx.Model(&models.PlaylistTrack{}).
			Where("id = ?", track.ID).
			UpdateColumn("position_index", newIndex).Error
	})
	if err != nil {
		return err
	}

	s.publishTracks(ctx, playlistID)
	return nil
}

// SubscribeChanges delegates to the row feed.
func (s *GormService) SubscribeChanges(playlistID string, handler func(eventbus.Change)) (func(), error) {
	return s.feed.SubscribeChanges(playlistID, handler)
}

func (s *GormService) publishPlayback(ctx context.Context, playlist *models.SharedPlaylist) {
	err := s.feed.PublishChange(ctx, eventbus.Change{
		Kind:       eventbus.ChangePlayback,
		PlaylistID: playlist.ID,
		Playlist:   playlist,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("playlist", playlist.ID).Msg("failed to publish playback change")
	}
}

func (s *GormService) publishTracks(ctx context.Context, playlistID string) {
	s.cache.InvalidateTracks(ctx, playlistID)

	var tracks []models.PlaylistTrack
	err := s.db.WithContext(ctx).
		Where("playlist_id = ?", playlistID).
		Order("position_index ASC").
		Find(&tracks).Error
	if err != nil {
		s.logger.Error().Err(err).Str("playlist", playlistID).Msg("failed to load tracks for change feed")
		return
	}

	err = s.feed.PublishChange(ctx, eventbus.Change{
		Kind:       eventbus.ChangeTracks,
		PlaylistID: playlistID,
		Tracks:     tracks,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("playlist", playlistID).Msg("failed to publish tracks change")
	}
}
