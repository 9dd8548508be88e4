/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/models"
)

// EventType enumerates media events surfaced by elements and the engine.
type EventType string

const (
	EventLoadedMetadata EventType = "loadedmetadata"
	EventTimeUpdate     EventType = "timeupdate"
	EventPlay           EventType = "play"
	EventPause          EventType = "pause"
	EventEnded          EventType = "ended"
	EventError          EventType = "error"
)

// ElementEvent is a media event emitted by an Element.
type ElementEvent struct {
	Type       EventType
	PositionMS int64
	Err        error
}

// Element is a single audio output. Implementations emit events through
// the callback supplied at construction; the engine owns at most one
// element at a time.
type Element interface {
	// Play starts or resumes playback. A refusal to start is returned
	// as an error and leaves the element loaded and paused.
	Play() error
	Pause()
	Seek(positionMS int64)
	Position() int64
	// Duration returns the track length in ms, 0 when unknown.
	Duration() int64
	SetVolume(v float64)
	Close()
}

// ElementFactory builds an element for a track. The onEvent callback
// receives every media event for the element's lifetime.
type ElementFactory func(track models.PlaylistTrack, onEvent func(ElementEvent)) (Element, error)

// ErrElementClosed reports playback attempted on a released element.
var ErrElementClosed = errors.New("element closed")

const tickInterval = 250 * time.Millisecond

// NewHeadlessFactory returns a factory producing clock-driven elements
// with no real audio output. Position advances with the clock while
// playing; tracks with a known duration end naturally.
func NewHeadlessFactory(clk clock.Clock) ElementFactory {
	return func(track models.PlaylistTrack, onEvent func(ElementEvent)) (Element, error) {
		el := &headlessElement{
			clk:      clk,
			duration: track.DurationMS,
			volume:   1,
			onEvent:  onEvent,
		}
		onEvent(ElementEvent{Type: EventLoadedMetadata})
		return el, nil
	}
}

type headlessElement struct {
	clk      clock.Clock
	duration int64
	onEvent  func(ElementEvent)

	mu       sync.Mutex
	playing  bool
	closed   bool
	pos      int64
	lastTick time.Time
	volume   float64
	stop     chan struct{}
}

func (h *headlessElement) Play() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrElementClosed
	}
	if h.playing {
		h.mu.Unlock()
		return nil
	}
	h.playing = true
	h.lastTick = h.clk.Now()
	stop := make(chan struct{})
	h.stop = stop
	pos := h.pos
	h.mu.Unlock()

	ticker := h.clk.NewTicker(tickInterval)
	go h.run(ticker, stop)
	h.onEvent(ElementEvent{Type: EventPlay, PositionMS: pos})
	return nil
}

func (h *headlessElement) run(ticker clock.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C():
			if h.advance(now) {
				return
			}
		}
	}
}

// advance moves the position forward to now and reports whether the
// track just ended.
func (h *headlessElement) advance(now time.Time) bool {
	h.mu.Lock()
	if !h.playing {
		h.mu.Unlock()
		return true
	}
	delta := now.Sub(h.lastTick).Milliseconds()
	if delta < 0 {
		delta = 0
	}
	h.lastTick = now
	h.pos += delta

	ended := h.duration > 0 && h.pos >= h.duration
	if ended {
		h.pos = h.duration
		h.playing = false
		h.stop = nil
	}
	pos := h.pos
	h.mu.Unlock()

	h.onEvent(ElementEvent{Type: EventTimeUpdate, PositionMS: pos})
	if ended {
		h.onEvent(ElementEvent{Type: EventEnded, PositionMS: pos})
	}
	return ended
}

func (h *headlessElement) Pause() {
	h.mu.Lock()
	if !h.playing || h.closed {
		h.mu.Unlock()
		return
	}
	now := h.clk.Now()
	delta := now.Sub(h.lastTick).Milliseconds()
	if delta > 0 {
		h.pos += delta
	}
	if h.duration > 0 && h.pos > h.duration {
		h.pos = h.duration
	}
	h.playing = false
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	pos := h.pos
	h.mu.Unlock()

	h.onEvent(ElementEvent{Type: EventPause, PositionMS: pos})
}

func (h *headlessElement) Seek(positionMS int64) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if positionMS < 0 {
		positionMS = 0
	}
	if h.duration > 0 && positionMS > h.duration {
		positionMS = h.duration
	}
	h.pos = positionMS
	h.lastTick = h.clk.Now()
	h.mu.Unlock()

	h.onEvent(ElementEvent{Type: EventTimeUpdate, PositionMS: positionMS})
}

func (h *headlessElement) Position() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.playing {
		return h.pos
	}
	delta := h.clk.Now().Sub(h.lastTick).Milliseconds()
	if delta < 0 {
		delta = 0
	}
	pos := h.pos + delta
	if h.duration > 0 && pos > h.duration {
		pos = h.duration
	}
	return pos
}

func (h *headlessElement) Duration() int64 {
	return h.duration
}

func (h *headlessElement) SetVolume(v float64) {
	h.mu.Lock()
	h.volume = v
	h.mu.Unlock()
}

func (h *headlessElement) Close() {
	h.mu.Lock()
	h.closed = true
	h.playing = false
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	h.mu.Unlock()
}
