/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the playback session surface over HTTP. Each
// authenticated user gets one live session per conversation, served by
// the session manager; the handlers translate requests into reconciler
// actions and return the resulting state snapshot.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/auth"
	"github.com/friendsincode/listenroom/internal/dataservice"
	playsync "github.com/friendsincode/listenroom/internal/sync"
)

// maxUploadBytes bounds multipart track uploads.
const maxUploadBytes = 256 << 20

// API holds the HTTP handlers for playback sessions.
type API struct {
	sessions *SessionManager
	logger   zerolog.Logger
}

// New creates the API.
func New(sessions *SessionManager, logger zerolog.Logger) *API {
	return &API{sessions: sessions, logger: logger}
}

// Routes mounts the playlist session endpoints.
func (a *API) Routes(r chi.Router) {
	r.Route("/conversations/{conversationID}/playlist", func(r chi.Router) {
		r.Post("/init", a.handleInit)
		r.Get("/", a.handleState)
		r.Get("/ws", a.handleWebSocket)
		r.Post("/close", a.handleClose)

		r.Post("/play", a.handlePlay)
		r.Post("/pause", a.handlePause)
		r.Post("/seek", a.handleSeek)
		r.Post("/next", a.handleNext)
		r.Post("/previous", a.handlePrevious)

		r.Post("/tracks", a.handleAddTrack)
		r.Delete("/tracks/{trackID}", a.handleRemoveTrack)
		r.Patch("/tracks/{trackID}/position", a.handleReorderTrack)
	})
}

// session resolves the caller's session for the conversation in the URL,
// creating it on first use. Writes the error response itself on failure.
func (a *API) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing conversation id")
		return nil, false
	}

	sess, err := a.sessions.Get(r.Context(), userID, conversationID)
	if err != nil {
		a.logger.Error().Err(err).
			Str("conversation", conversationID).
			Msg("failed to open session")
		writeError(w, http.StatusBadGateway, "failed to open playback session")
		return nil, false
	}
	return sess, true
}

func (a *API) handleInit(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Reconciler.Snapshot())
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Reconciler.Snapshot())
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	a.sessions.Close(userID, chi.URLParam(r, "conversationID"))
	w.WriteHeader(http.StatusNoContent)
}

type playRequest struct {
	TrackID *string `json:"track_id,omitempty"`
}

func (a *API) handlePlay(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}

	var req playRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := sess.Reconciler.Play(r.Context(), req.TrackID); err != nil {
		a.actionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Reconciler.Snapshot())
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := sess.Reconciler.Pause(r.Context()); err != nil {
		a.actionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Reconciler.Snapshot())
}

type seekRequest struct {
	PositionMS int64 `json:"position_ms"`
}

func (a *API) handleSeek(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}

	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := sess.Reconciler.Seek(r.Context(), req.PositionMS); err != nil {
		a.actionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Reconciler.Snapshot())
}

func (a *API) handleNext(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := sess.Reconciler.Next(r.Context()); err != nil {
		a.actionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Reconciler.Snapshot())
}

func (a *API) handlePrevious(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := sess.Reconciler.Previous(r.Context()); err != nil {
		a.actionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Reconciler.Snapshot())
}

func (a *API) handleAddTrack(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}
	artist := r.FormValue("artist")

	var durationMS int64
	if raw := r.FormValue("duration_ms"); raw != "" {
		durationMS, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || durationMS < 0 {
			writeError(w, http.StatusBadRequest, "invalid duration_ms")
			return
		}
	}

	track, err := sess.Reconciler.AddLocalAudio(r.Context(), header.Filename, file, title, artist, durationMS)
	if err != nil {
		a.actionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, track)
}

func (a *API) handleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := sess.Reconciler.RemoveTrack(r.Context(), chi.URLParam(r, "trackID")); err != nil {
		a.actionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest struct {
	PositionIndex int `json:"position_index"`
}

func (a *API) handleReorderTrack(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}

	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PositionIndex < 0 {
		writeError(w, http.StatusBadRequest, "position_index must not be negative")
		return
	}

	if err := sess.Reconciler.ReorderTrack(r.Context(), chi.URLParam(r, "trackID"), req.PositionIndex); err != nil {
		a.actionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Reconciler.Snapshot())
}

// actionError maps reconciler action failures to HTTP status codes.
func (a *API) actionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, playsync.ErrNotInitialized):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dataservice.ErrTrackNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dataservice.ErrPlaylistNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
