/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based read cache for playlist rows and
// track lists, with graceful fallback when Redis is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/models"
)

// Default TTL values.
const (
	DefaultPlaylistTTL = 30 * time.Second
	DefaultTracksTTL   = 30 * time.Second
)

// Key prefixes for Redis cache.
const (
	keyPlaylist = "listenroom:cache:playlist:" // + playlist_id
	keyTracks   = "listenroom:cache:tracks:"   // + playlist_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PlaylistTTL time.Duration
	TracksTTL   time.Duration
}

// Cache is a Redis-backed cache. A nil *Cache is valid and disables
// caching entirely, so callers never need to branch.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config
}

// New connects to Redis and returns a cache, or nil when Redis is
// unreachable (callers fall through to the database).
func New(cfg Config, logger zerolog.Logger) *Cache {
	if cfg.PlaylistTTL == 0 {
		cfg.PlaylistTTL = DefaultPlaylistTTL
	}
	if cfg.TracksTTL == 0 {
		cfg.TracksTTL = DefaultTracksTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, playlist cache disabled")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("playlist cache initialized")
	return &Cache{client: client, logger: logger, config: cfg}
}

// GetPlaylist returns the cached playlist row, or nil on miss.
func (c *Cache) GetPlaylist(ctx context.Context, playlistID string) *models.SharedPlaylist {
	if c == nil {
		return nil
	}
	data, err := c.client.Get(ctx, keyPlaylist+playlistID).Bytes()
	if err != nil {
		return nil
	}
	var playlist models.SharedPlaylist
	if err := json.Unmarshal(data, &playlist); err != nil {
		return nil
	}
	return &playlist
}

// SetPlaylist stores the playlist row.
func (c *Cache) SetPlaylist(ctx context.Context, playlist *models.SharedPlaylist) {
	if c == nil || playlist == nil {
		return
	}
	data, err := json.Marshal(playlist)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyPlaylist+playlist.ID, data, c.config.PlaylistTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("cache set playlist failed")
	}
}

// GetTracks returns the cached ordered track list, or nil on miss.
func (c *Cache) GetTracks(ctx context.Context, playlistID string) []models.PlaylistTrack {
	if c == nil {
		return nil
	}
	data, err := c.client.Get(ctx, keyTracks+playlistID).Bytes()
	if err != nil {
		return nil
	}
	var tracks []models.PlaylistTrack
	if err := json.Unmarshal(data, &tracks); err != nil {
		return nil
	}
	return tracks
}

// SetTracks stores the ordered track list.
func (c *Cache) SetTracks(ctx context.Context, playlistID string, tracks []models.PlaylistTrack) {
	if c == nil {
		return
	}
	data, err := json.Marshal(tracks)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyTracks+playlistID, data, c.config.TracksTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("cache set tracks failed")
	}
}

// InvalidatePlaylist drops the cached row for a playlist.
func (c *Cache) InvalidatePlaylist(ctx context.Context, playlistID string) {
	if c == nil {
		return
	}
	c.client.Del(ctx, keyPlaylist+playlistID)
}

// InvalidateTracks drops the cached track list for a playlist.
func (c *Cache) InvalidateTracks(ctx context.Context, playlistID string) {
	if c == nil {
		return
	}
	c.client.Del(ctx, keyTracks+playlistID)
}

// Close releases the Redis client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
