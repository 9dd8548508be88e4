/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dataservice defines the remote data collaborator the sync core
// talks to: row CRUD for shared playlists and tracks, plus row-change
// subscriptions. The gorm implementation here stands in for the managed
// backend in deployments and tests.
package dataservice

import (
	"context"
	"errors"

	"github.com/friendsincode/listenroom/internal/eventbus"
	"github.com/friendsincode/listenroom/internal/models"
)

// ErrTrackNotFound reports a track id that is not in the playlist.
var ErrTrackNotFound = errors.New("track not found")

// ErrPlaylistNotFound reports an unknown playlist id.
var ErrPlaylistNotFound = errors.New("playlist not found")

// PlaybackUpdate is a partial update of a playlist's playback columns.
// Nil fields are left untouched. The service stamps ServerTimestamp on
// every update; callers never supply it.
type PlaybackUpdate struct {
	CurrentTrackID *string
	IsPlaying      *bool
	PositionMS     *int64
}

// Service is the data-service surface consumed by the playlist store.
// Mutations are last-writer-wins at the row: whichever update commits
// last determines the state all future joiners see.
type Service interface {
	// GetOrCreatePlaylist returns the conversation's playlist, creating
	// it lazily on first access.
	GetOrCreatePlaylist(ctx context.Context, conversationID string) (*models.SharedPlaylist, error)

	// GetPlaylist fetches a playlist row by id.
	GetPlaylist(ctx context.Context, playlistID string) (*models.SharedPlaylist, error)

	// UpdatePlayback applies a partial playback update and broadcasts
	// the resulting row to all change subscribers.
	UpdatePlayback(ctx context.Context, playlistID string, update PlaybackUpdate) (*models.SharedPlaylist, error)

	// ListTracks returns the playlist's tracks ordered by position index.
	ListTracks(ctx context.Context, playlistID string) ([]models.PlaylistTrack, error)

	// InsertTrack appends a track at the end of the playlist.
	InsertTrack(ctx context.Context, track models.PlaylistTrack) (*models.PlaylistTrack, error)

	// DeleteTrack removes a track and renumbers the siblings after it.
	DeleteTrack(ctx context.Context, playlistID, trackID string) error

	// ReorderTrack moves a track to a new 1-based index, renumbering
	// only the siblings between the old and new positions.
	ReorderTrack(ctx context.Context, playlistID, trackID string, newIndex int) error

	// SubscribeChanges invokes handler with every row-change for the
	// playlist until the returned cancel func is called.
	SubscribeChanges(playlistID string, handler func(eventbus.Change)) (func(), error)
}
