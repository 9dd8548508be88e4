/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlist holds the client-side mirror of one conversation's
// shared playlist: the authoritative row and the ordered track list,
// refreshed by fetch and by row-change notifications. Mutations are
// remote calls whose effects come back through the change subscription,
// so every client converges through the same path.
package playlist

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/dataservice"
	"github.com/friendsincode/listenroom/internal/eventbus"
	"github.com/friendsincode/listenroom/internal/models"
)

// Store mirrors one conversation's shared playlist state.
type Store struct {
	svc    dataservice.Service
	logger zerolog.Logger

	mu             sync.Mutex
	conversationID string
	playlist       *models.SharedPlaylist
	tracks         []models.PlaylistTrack
	errMsg         string
	cancel         func()
	subs           map[int]func(eventbus.Change)
	nextSub        int
}

// New creates an uninitialized store over the data service.
func New(svc dataservice.Service, logger zerolog.Logger) *Store {
	return &Store{
		svc:    svc,
		logger: logger,
		subs:   make(map[int]func(eventbus.Change)),
	}
}

// Initialize fetches-or-creates the conversation's playlist, loads its
// tracks and subscribes to row changes. Calling it again for the same
// conversation while initialized is a no-op; a different conversation
// tears the old subscription down first. Failures are recorded on the
// store and are retryable by calling Initialize again.
func (s *Store) Initialize(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.cancel != nil && s.conversationID == conversationID {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.playlist = nil
		s.tracks = nil
	}
	s.conversationID = conversationID
	s.mu.Unlock()

	pl, err := s.svc.GetOrCreatePlaylist(ctx, conversationID)
	if err != nil {
		s.setError(fmt.Sprintf("load playlist: %v", err))
		return err
	}
	tracks, err := s.svc.ListTracks(ctx, pl.ID)
	if err != nil {
		s.setError(fmt.Sprintf("load tracks: %v", err))
		return err
	}
	cancel, err := s.svc.SubscribeChanges(pl.ID, s.handleChange)
	if err != nil {
		s.setError(fmt.Sprintf("subscribe changes: %v", err))
		return err
	}

	s.mu.Lock()
	s.playlist = pl
	s.tracks = tracks
	s.cancel = cancel
	s.errMsg = ""
	s.mu.Unlock()
	return nil
}

// handleChange merges a row-change notification into local state and
// fans it out to store subscribers.
func (s *Store) handleChange(c eventbus.Change) {
	s.mu.Lock()
	switch c.Kind {
	case eventbus.ChangePlayback:
		if c.Playlist != nil {
			pl := *c.Playlist
			s.playlist = &pl
		}
	case eventbus.ChangeTracks:
		s.tracks = append([]models.PlaylistTrack(nil), c.Tracks...)
	}
	fns := make([]func(eventbus.Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Subscribe registers a listener invoked after every merged row change.
func (s *Store) Subscribe(fn func(eventbus.Change)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Playlist returns a copy of the mirrored row, nil before Initialize.
func (s *Store) Playlist() *models.SharedPlaylist {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playlist == nil {
		return nil
	}
	pl := *s.playlist
	return &pl
}

// Tracks returns a copy of the ordered track list.
func (s *Store) Tracks() []models.PlaylistTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PlaylistTrack(nil), s.tracks...)
}

// Err returns the last recorded error message, empty when healthy.
func (s *Store) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// TrackByID resolves a track id against the in-memory list, nil when
// the id is unknown.
func (s *Store) TrackByID(trackID string) *models.PlaylistTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackByIDLocked(trackID)
}

func (s *Store) trackByIDLocked(trackID string) *models.PlaylistTrack {
	for i := range s.tracks {
		if s.tracks[i].ID == trackID {
			t := s.tracks[i]
			return &t
		}
	}
	return nil
}

// CurrentTrack resolves the row's current_track_id, nil when unset or
// not in the local list.
func (s *Store) CurrentTrack() *models.PlaylistTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playlist == nil || s.playlist.CurrentTrackID == nil {
		return nil
	}
	return s.trackByIDLocked(*s.playlist.CurrentTrackID)
}

// NextOf returns the track after trackID in playlist order, wrapping to
// the first track past the end. Nil when the list is empty or trackID
// is unknown.
func (s *Store) NextOf(trackID string) *models.PlaylistTrack {
	return s.neighbor(trackID, 1)
}

// PreviousOf returns the track before trackID, wrapping to the last.
func (s *Store) PreviousOf(trackID string) *models.PlaylistTrack {
	return s.neighbor(trackID, -1)
}

func (s *Store) neighbor(trackID string, step int) *models.PlaylistTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tracks)
	if n == 0 {
		return nil
	}
	for i := range s.tracks {
		if s.tracks[i].ID == trackID {
			t := s.tracks[(i+step+n)%n]
			return &t
		}
	}
	return nil
}

// FirstTrack returns the first track in playlist order, nil when empty.
func (s *Store) FirstTrack() *models.PlaylistTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tracks) == 0 {
		return nil
	}
	t := s.tracks[0]
	return &t
}

// UpdatePlayback issues a partial playback update against the
// authoritative row. The merged effect arrives via the change
// subscription; the committed row is also returned for optimistic use.
func (s *Store) UpdatePlayback(ctx context.Context, update dataservice.PlaybackUpdate) (*models.SharedPlaylist, error) {
	id, err := s.playlistID()
	if err != nil {
		return nil, err
	}
	pl, err := s.svc.UpdatePlayback(ctx, id, update)
	if err != nil {
		s.setError(fmt.Sprintf("update playback: %v", err))
		return nil, err
	}
	return pl, nil
}

// AddTrack appends a track remotely; the new list arrives via the
// change subscription.
func (s *Store) AddTrack(ctx context.Context, track models.PlaylistTrack) (*models.PlaylistTrack, error) {
	id, err := s.playlistID()
	if err != nil {
		return nil, err
	}
	track.PlaylistID = id
	created, err := s.svc.InsertTrack(ctx, track)
	if err != nil {
		s.setError(fmt.Sprintf("add track: %v", err))
		return nil, err
	}
	return created, nil
}

// RemoveTrack deletes a track remotely.
func (s *Store) RemoveTrack(ctx context.Context, trackID string) error {
	id, err := s.playlistID()
	if err != nil {
		return err
	}
	if err := s.svc.DeleteTrack(ctx, id, trackID); err != nil {
		s.setError(fmt.Sprintf("remove track: %v", err))
		return err
	}
	return nil
}

// ReorderTrack moves a track to a new 1-based index remotely.
func (s *Store) ReorderTrack(ctx context.Context, trackID string, newIndex int) error {
	id, err := s.playlistID()
	if err != nil {
		return err
	}
	if err := s.svc.ReorderTrack(ctx, id, trackID, newIndex); err != nil {
		s.setError(fmt.Sprintf("reorder track: %v", err))
		return err
	}
	return nil
}

// Close drops the change subscription and clears mirrored state. The
// store may be re-initialized afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.playlist = nil
	s.tracks = nil
	s.conversationID = ""
	s.mu.Unlock()
}

func (s *Store) playlistID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playlist == nil {
		return "", dataservice.ErrPlaylistNotFound
	}
	return s.playlist.ID, nil
}

func (s *Store) setError(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	s.mu.Unlock()
	s.logger.Warn().Str("conversation", s.conversationID).Msg(msg)
}
