/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// TrackSourceType distinguishes uploaded files from external streams.
type TrackSourceType string

const (
	SourceLocalUpload  TrackSourceType = "local-upload"
	SourceRemoteStream TrackSourceType = "remote-stream"
)

// SharedPlaylist is the authoritative record of what a conversation is playing.
// One row per conversation, created lazily on first access.
type SharedPlaylist struct {
	ID                string  `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID    string  `gorm:"type:uuid;uniqueIndex" json:"conversation_id"`
	CurrentTrackID    *string `gorm:"type:uuid" json:"current_track_id"`
	IsPlaying         bool    `json:"is_playing"`
	CurrentPositionMS int64   `json:"current_position_ms"`
	// ServerTimestamp is the instant CurrentPositionMS was last authoritative.
	// CurrentPositionMS is only meaningful relative to it.
	ServerTimestamp time.Time `json:"server_timestamp"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PositionAt derives the live playback position at wall-clock time now.
// While playing, the stored position advances by the elapsed time since
// ServerTimestamp; while paused the stored position stands as-is.
func (p SharedPlaylist) PositionAt(now time.Time) int64 {
	if !p.IsPlaying {
		return p.CurrentPositionMS
	}
	elapsed := now.Sub(p.ServerTimestamp).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return p.CurrentPositionMS + elapsed
}

// PlaylistTrack is one entry in a shared playlist, ordered by PositionIndex (1-based).
type PlaylistTrack struct {
	ID         string          `gorm:"type:uuid;primaryKey" json:"id"`
	PlaylistID string          `gorm:"type:uuid;index" json:"playlist_id"`
	SourceType TrackSourceType `gorm:"type:varchar(16)" json:"source_type"`
	SourceURL  string          `json:"source_url"`
	Title      string          `gorm:"index" json:"title"`
	Artist     string          `json:"artist,omitempty"`
	// DurationMS is only reliably known for local uploads; zero means unknown.
	DurationMS    int64     `json:"duration_ms,omitempty"`
	PositionIndex int       `gorm:"index" json:"position_index"`
	AddedBy       string    `gorm:"type:uuid" json:"added_by"`
	AddedAt       time.Time `json:"added_at"`
}

// PlaybackPosition is a client-local resume point, keyed by track.
// It carries no cross-client meaning and lives only in the local position store.
type PlaybackPosition struct {
	TrackID    string `gorm:"type:uuid;primaryKey"`
	PositionMS int64
	UpdatedAt  time.Time
}
