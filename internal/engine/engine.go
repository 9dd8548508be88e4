/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package engine drives local audio playback. A process owns exactly one
// element at a time; switching tracks tears the old element down before
// the new one starts, so two tracks never sound at once.
package engine

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/models"
)

// Event is a media event fanned out to engine subscribers.
type Event struct {
	Type       EventType
	Track      *models.PlaylistTrack
	PositionMS int64
	Err        error
}

// PositionStore persists per-track resume points. positions.Store
// satisfies this; nil disables persistence.
type PositionStore interface {
	Save(trackID string, positionMS int64) error
	SaveNow(trackID string, positionMS int64) error
	Load(trackID string) int64
	Clear(trackID string) error
}

// Engine owns the process's single audio element.
type Engine struct {
	factory ElementFactory
	store   PositionStore
	logger  zerolog.Logger

	mu      sync.Mutex
	element Element
	gen     uint64
	track   *models.PlaylistTrack
	playing bool
	volume  float64
	subs    map[int]func(Event)
	nextSub int
}

// New creates an engine. store may be nil to disable position persistence.
func New(factory ElementFactory, store PositionStore, logger zerolog.Logger) *Engine {
	return &Engine{
		factory: factory,
		store:   store,
		logger:  logger,
		volume:  1,
		subs:    make(map[int]func(Event)),
	}
}

// Subscribe registers a listener for media events. The returned cancel
// func removes it.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// PlayTrack starts the track. Calling it again for the track that is
// already loaded resumes rather than restarting; a different track
// replaces the current element entirely. A persisted resume point is
// restored before playback starts. Refusal to start playing is reported
// to subscribers as a non-fatal error event and the track stays loaded.
func (e *Engine) PlayTrack(track models.PlaylistTrack) error {
	e.mu.Lock()
	if e.element != nil && e.track != nil && e.track.ID == track.ID {
		el := e.element
		playing := e.playing
		e.mu.Unlock()
		if playing {
			return nil
		}
		if err := el.Play(); err != nil {
			e.notify(Event{Type: EventError, Track: &track, Err: err})
		}
		return nil
	}

	if e.element != nil {
		e.teardownLocked()
	}

	e.gen++
	gen := e.gen
	volume := e.volume
	trackCopy := track
	e.track = &trackCopy
	e.playing = false
	// Build outside the lock: factories emit loadedmetadata synchronously
	// and the event handler needs the lock.
	e.mu.Unlock()

	el, err := e.factory(track, func(ev ElementEvent) {
		e.handleElementEvent(gen, &trackCopy, ev)
	})
	if err != nil {
		e.mu.Lock()
		if e.gen == gen {
			e.track = nil
		}
		e.mu.Unlock()
		return fmt.Errorf("build element for track %s: %w", track.ID, err)
	}
	el.SetVolume(volume)

	e.mu.Lock()
	if e.gen != gen {
		// Lost a race with another PlayTrack or StopAudio.
		e.mu.Unlock()
		el.Close()
		return nil
	}
	e.element = el
	e.mu.Unlock()

	if e.store != nil {
		if saved := e.store.Load(track.ID); saved > 0 {
			el.Seek(saved)
		}
	}
	if err := el.Play(); err != nil {
		e.logger.Warn().Err(err).Str("track", track.ID).Msg("playback refused to start")
		e.notify(Event{Type: EventError, Track: &trackCopy, Err: err})
	}
	return nil
}

// PauseAudio pauses playback and anchors the resume point. No-op when
// nothing is playing.
func (e *Engine) PauseAudio() {
	e.mu.Lock()
	el := e.element
	playing := e.playing
	e.mu.Unlock()
	if el == nil || !playing {
		return
	}
	el.Pause()
}

// ResumeAudio resumes the loaded track. No-op when already playing or
// nothing is loaded.
func (e *Engine) ResumeAudio() {
	e.mu.Lock()
	el := e.element
	track := e.track
	playing := e.playing
	e.mu.Unlock()
	if el == nil || playing {
		return
	}
	if err := el.Play(); err != nil {
		e.notify(Event{Type: EventError, Track: track, Err: err})
	}
}

// StopAudio releases the element and clears loaded state.
func (e *Engine) StopAudio() {
	e.mu.Lock()
	e.teardownLocked()
	e.mu.Unlock()
}

// teardownLocked saves a resume anchor and releases the element.
// Caller holds e.mu.
func (e *Engine) teardownLocked() {
	if e.element == nil {
		return
	}
	if e.store != nil && e.track != nil {
		if pos := e.element.Position(); pos > 0 {
			if err := e.store.SaveNow(e.track.ID, pos); err != nil {
				e.logger.Warn().Err(err).Str("track", e.track.ID).Msg("failed to save resume point")
			}
		}
	}
	e.element.Close()
	e.element = nil
	e.track = nil
	e.playing = false
	e.gen++
}

// SeekTo moves playback to positionMS, clamped to [0, duration] when
// the duration is known. Advisory for streams.
func (e *Engine) SeekTo(positionMS int64) {
	e.mu.Lock()
	el := e.element
	e.mu.Unlock()
	if el == nil {
		return
	}
	if positionMS < 0 {
		positionMS = 0
	}
	if d := el.Duration(); d > 0 && positionMS > d {
		positionMS = d
	}
	el.Seek(positionMS)
}

// SetVolume sets the output volume, clamped to [0,1]. Memory only, not
// persisted.
func (e *Engine) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	e.mu.Lock()
	e.volume = v
	el := e.element
	e.mu.Unlock()
	if el != nil {
		el.SetVolume(v)
	}
}

// Volume returns the current output volume.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// Position returns the loaded track's current offset in ms, 0 when
// nothing is loaded.
func (e *Engine) Position() int64 {
	e.mu.Lock()
	el := e.element
	e.mu.Unlock()
	if el == nil {
		return 0
	}
	return el.Position()
}

// Duration returns the element's known duration in ms, 0 when idle or
// unknown (streams before metadata arrives).
func (e *Engine) Duration() int64 {
	e.mu.Lock()
	el := e.element
	e.mu.Unlock()
	if el == nil {
		return 0
	}
	return el.Duration()
}

// CurrentTrack returns a copy of the loaded track, nil when idle.
func (e *Engine) CurrentTrack() *models.PlaylistTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.track == nil {
		return nil
	}
	t := *e.track
	return &t
}

// IsPlaying reports whether audio is actively playing.
func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Close releases the element. The engine may be reused after Close.
func (e *Engine) Close() {
	e.StopAudio()
}

// handleElementEvent processes a media event from the element of
// generation gen. Events from torn-down elements are dropped.
func (e *Engine) handleElementEvent(gen uint64, track *models.PlaylistTrack, ev ElementEvent) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	switch ev.Type {
	case EventPlay:
		e.playing = true
	case EventPause, EventEnded, EventError:
		e.playing = false
	}
	e.mu.Unlock()

	if e.store != nil {
		switch ev.Type {
		case EventTimeUpdate:
			if err := e.store.Save(track.ID, ev.PositionMS); err != nil {
				e.logger.Warn().Err(err).Str("track", track.ID).Msg("failed to save position")
			}
		case EventPause:
			if err := e.store.SaveNow(track.ID, ev.PositionMS); err != nil {
				e.logger.Warn().Err(err).Str("track", track.ID).Msg("failed to save pause anchor")
			}
		case EventEnded:
			if err := e.store.Clear(track.ID); err != nil {
				e.logger.Warn().Err(err).Str("track", track.ID).Msg("failed to clear finished position")
			}
		}
	}

	e.notify(Event{Type: ev.Type, Track: track, PositionMS: ev.PositionMS, Err: ev.Err})
}

func (e *Engine) notify(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
