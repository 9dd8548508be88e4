/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/events"
)

// MemoryBus implements Channel and Feed over the in-process bus. It is
// the single-instance transport and the fallback when NATS is absent.
type MemoryBus struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryBus creates an in-process transport.
func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{bus: events.NewBus(), logger: logger}
}

// Publish delivers the event to every subscriber of the playlist,
// including any subscription held by the publisher itself.
func (m *MemoryBus) Publish(ctx context.Context, event SyncEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	m.bus.Publish(syncChannelKey(event.PlaylistID), data)
	return nil
}

// Subscribe registers a handler for all sync events on the playlist.
func (m *MemoryBus) Subscribe(playlistID string, handler func(SyncEvent)) (func(), error) {
	return m.consume(syncChannelKey(playlistID), func(data []byte) {
		var event SyncEvent
		if err := json.Unmarshal(data, &event); err != nil {
			m.logger.Error().Err(err).Msg("failed to unmarshal sync event")
			return
		}
		handler(event)
	})
}

// PublishChange delivers a row-change notification.
func (m *MemoryBus) PublishChange(ctx context.Context, change Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	m.bus.Publish(rowChannelKey(change.PlaylistID), data)
	return nil
}

// SubscribeChanges registers a handler for row-change notifications.
func (m *MemoryBus) SubscribeChanges(playlistID string, handler func(Change)) (func(), error) {
	return m.consume(rowChannelKey(playlistID), func(data []byte) {
		var change Change
		if err := json.Unmarshal(data, &change); err != nil {
			m.logger.Error().Err(err).Msg("failed to unmarshal row change")
			return
		}
		handler(change)
	})
}

func (m *MemoryBus) consume(channel string, deliver func([]byte)) (func(), error) {
	sub := m.bus.Subscribe(channel)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.bus.Unsubscribe(channel, sub)
		return func() {}, nil
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for data := range sub {
			deliver(data)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.bus.Unsubscribe(channel, sub)
		})
	}
	return cancel, nil
}

// Close is a no-op beyond marking the bus closed; individual cancels
// own their subscriptions.
func (m *MemoryBus) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func syncChannelKey(playlistID string) string { return "playlist." + playlistID + ".sync" }
func rowChannelKey(playlistID string) string  { return "playlist." + playlistID + ".row" }
