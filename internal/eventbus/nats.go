/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus implements Channel and Feed over NATS core pub/sub.
//
// NATS echoes published messages back to the publisher's own
// subscriptions, which is exactly the contract the sync channel wants:
// self-echo suppression happens in the reconciler, not the transport.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSBus connects to NATS and returns a distributed transport.
func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	logger.Info().Str("url", cfg.URL).Msg("NATS event bus initialized")
	return &NATSBus{conn: conn, logger: logger}, nil
}

// Publish sends a sync event to the playlist's subject. Fire-and-forget:
// no acknowledgement, no ordering guarantee beyond the transport's own.
func (nb *NATSBus) Publish(ctx context.Context, event SyncEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return nb.conn.Publish(syncSubject(event.PlaylistID), data)
}

// Subscribe registers a handler for every sync event on the playlist,
// the local client's own events included.
func (nb *NATSBus) Subscribe(playlistID string, handler func(SyncEvent)) (func(), error) {
	sub, err := nb.conn.Subscribe(syncSubject(playlistID), func(msg *nats.Msg) {
		var event SyncEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			nb.logger.Error().Err(err).Msg("failed to unmarshal sync event")
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", syncSubject(playlistID), err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// PublishChange broadcasts a row-change notification.
func (nb *NATSBus) PublishChange(ctx context.Context, change Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return nb.conn.Publish(rowSubject(change.PlaylistID), data)
}

// SubscribeChanges registers a handler for row-change notifications.
func (nb *NATSBus) SubscribeChanges(playlistID string, handler func(Change)) (func(), error) {
	sub, err := nb.conn.Subscribe(rowSubject(playlistID), func(msg *nats.Msg) {
		var change Change
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			nb.logger.Error().Err(err).Msg("failed to unmarshal row change")
			return
		}
		handler(change)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", rowSubject(playlistID), err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains and closes the NATS connection.
func (nb *NATSBus) Close() error {
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return err
	}
	return nil
}

func syncSubject(playlistID string) string { return "listenroom.playlist." + playlistID + ".sync" }
func rowSubject(playlistID string) string  { return "listenroom.playlist." + playlistID + ".row" }
