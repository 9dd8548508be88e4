/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/dataservice"
	"github.com/friendsincode/listenroom/internal/engine"
	"github.com/friendsincode/listenroom/internal/eventbus"
	"github.com/friendsincode/listenroom/internal/playlist"
	"github.com/friendsincode/listenroom/internal/storage"
	playsync "github.com/friendsincode/listenroom/internal/sync"
)

// Session is one user's live playback session for one conversation:
// a reconciler and engine pair owned by the session manager.
type Session struct {
	UserID         string
	ConversationID string
	Reconciler     *playsync.Reconciler
}

// SessionManagerOptions wires the collaborators shared by all sessions.
type SessionManagerOptions struct {
	Service      dataservice.Service
	Channel      eventbus.Channel
	Objects      storage.ObjectStorage
	Positions    engine.PositionStore
	Factory      engine.ElementFactory
	Clock        clock.Clock
	DesyncWindow time.Duration
	Logger       zerolog.Logger
}

// SessionManager owns the live sessions. A user has at most one session
// at a time; opening a different conversation tears the old one down, so
// subscriptions and audio never leak across conversation switches.
type SessionManager struct {
	opts SessionManagerOptions

	mu       stdsync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates the manager.
func NewSessionManager(opts SessionManagerOptions) *SessionManager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Factory == nil {
		opts.Factory = engine.NewHeadlessFactory(opts.Clock)
	}
	return &SessionManager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

func sessionKey(userID, conversationID string) string {
	return userID + "/" + conversationID
}

// Get returns the user's session for the conversation, creating and
// initializing it on first use.
func (m *SessionManager) Get(ctx context.Context, userID, conversationID string) (*Session, error) {
	key := sessionKey(userID, conversationID)

	m.mu.Lock()
	if sess, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	// One audio session per user: switching conversation replaces it.
	var stale []*Session
	for k, sess := range m.sessions {
		if sess.UserID == userID {
			delete(m.sessions, k)
			stale = append(stale, sess)
		}
	}
	m.mu.Unlock()
	for _, sess := range stale {
		sess.Reconciler.Close()
	}

	logger := m.opts.Logger.With().
		Str("user", userID).
		Str("conversation", conversationID).
		Logger()
	eng := engine.New(m.opts.Factory, m.opts.Positions, logger)
	store := playlist.New(m.opts.Service, logger)
	rec := playsync.New(playsync.Options{
		UserID:       userID,
		Store:        store,
		Channel:      m.opts.Channel,
		Engine:       eng,
		Objects:      m.opts.Objects,
		Clock:        m.opts.Clock,
		DesyncWindow: m.opts.DesyncWindow,
		Logger:       logger,
	})
	if err := rec.Initialize(ctx, conversationID); err != nil {
		rec.Close()
		return nil, err
	}
	sess := &Session{UserID: userID, ConversationID: conversationID, Reconciler: rec}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		// Lost a creation race; keep the winner.
		m.mu.Unlock()
		rec.Close()
		return existing, nil
	}
	m.sessions[key] = sess
	m.mu.Unlock()
	return sess, nil
}

// Close tears down the user's session for the conversation.
func (m *SessionManager) Close(userID, conversationID string) {
	key := sessionKey(userID, conversationID)
	m.mu.Lock()
	sess, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		sess.Reconciler.Close()
	}
}

// CloseAll tears down every live session, used at shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.Reconciler.Close()
	}
}
