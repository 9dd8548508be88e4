/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// Payload is a raw message published on a channel key.
type Payload []byte

// Subscriber receives payloads for one channel key.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub keyed by an arbitrary
// channel string. Delivery is best-effort: a slow subscriber drops
// messages rather than blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]Subscriber)}
}

// Subscribe registers a subscriber for a channel key.
func (b *Bus) Subscribe(channel string) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to every subscriber of the channel key,
// including any subscriber owned by the publisher itself. Sends happen
// under the read lock: they never block, and Unsubscribe closes the
// channel under the write lock, so a send can never hit a closed
// channel.
func (b *Bus) Publish(channel string, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[channel] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[channel] = subs
	close(sub)
}
