/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus transports low-latency playback intent signals and
// row-change notifications between clients attached to the same shared
// playlist. Events are a UX accelerant only; the playlist row is the
// source of truth and supersedes anything seen here.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/friendsincode/listenroom/internal/models"
)

// EventType enumerates playback intent events.
type EventType string

const (
	EventPlay     EventType = "play"
	EventPause    EventType = "pause"
	EventSeek     EventType = "seek"
	EventNext     EventType = "next"
	EventPrevious EventType = "previous"
)

// EventData carries the optional payload of a sync event.
type EventData struct {
	TrackID    *string `json:"track_id,omitempty"`
	PositionMS *int64  `json:"position_ms,omitempty"`
}

// SyncEvent is a transient, unordered, best-effort signal scoped to one
// playlist. It is consumed live and never retained.
type SyncEvent struct {
	PlaylistID string    `json:"playlist_id"`
	UserID     string    `json:"user_id"`
	Type       EventType `json:"event_type"`
	Data       EventData `json:"event_data"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate rejects events missing required routing fields.
func (e SyncEvent) Validate() error {
	if e.PlaylistID == "" {
		return fmt.Errorf("sync event missing playlist id")
	}
	if e.UserID == "" {
		return fmt.Errorf("sync event missing user id")
	}
	switch e.Type {
	case EventPlay, EventPause, EventSeek, EventNext, EventPrevious:
		return nil
	default:
		return fmt.Errorf("unknown sync event type %q", e.Type)
	}
}

// Channel publishes and receives sync events for playlists. Every event
// published to a playlist is delivered to every subscriber of it, the
// originator's own subscription included; de-duplication is the
// subscriber's responsibility.
type Channel interface {
	Publish(ctx context.Context, event SyncEvent) error
	Subscribe(playlistID string, handler func(SyncEvent)) (func(), error)
	Close() error
}

// ChangeKind distinguishes playlist-row updates from track-list updates.
type ChangeKind string

const (
	ChangePlayback ChangeKind = "playback"
	ChangeTracks   ChangeKind = "tracks"
)

// Change is a row-change notification for one playlist. Playback changes
// carry the full updated row; track changes carry the full ordered list.
type Change struct {
	Kind       ChangeKind             `json:"kind"`
	PlaylistID string                 `json:"playlist_id"`
	Playlist   *models.SharedPlaylist `json:"playlist,omitempty"`
	Tracks     []models.PlaylistTrack `json:"tracks,omitempty"`
}

// Feed broadcasts row-change notifications so every client converges on
// the same state-update path regardless of which instance committed the
// mutation.
type Feed interface {
	PublishChange(ctx context.Context, change Change) error
	SubscribeChanges(playlistID string, handler func(Change)) (func(), error)
	Close() error
}
