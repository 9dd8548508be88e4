/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sync reconciles remote playback intent with local audio state.
// Two inbound streams feed one state machine: authoritative row updates
// and low-latency sync events. The row always wins; events only
// accelerate convergence.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/dataservice"
	"github.com/friendsincode/listenroom/internal/engine"
	"github.com/friendsincode/listenroom/internal/eventbus"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/playlist"
	"github.com/friendsincode/listenroom/internal/storage"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

// State names the reconciler's explicit machine states.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

// DefaultDesyncWindow is how long after a foreign event the session
// shows a syncing indicator.
const DefaultDesyncWindow = time.Second

// ErrNotInitialized reports an action before Initialize succeeded.
var ErrNotInitialized = errors.New("playlist not initialized")

// Snapshot is the UI-facing view of the reconciler.
type Snapshot struct {
	State             State                  `json:"state"`
	Playlist          *models.SharedPlaylist `json:"playlist"`
	Tracks            []models.PlaylistTrack `json:"tracks"`
	IsLoading         bool                   `json:"is_loading"`
	Error             string                 `json:"error,omitempty"`
	IsPlaying         bool                   `json:"is_playing"`
	CurrentTrack      *models.PlaylistTrack  `json:"current_track"`
	CurrentPositionMS int64                  `json:"current_position_ms"`
	DurationMS        int64                  `json:"duration_ms"`
	ServerTimestamp   time.Time              `json:"server_timestamp"`
	IsSynced          bool                   `json:"is_synced"`
	LastSyncTime      time.Time              `json:"last_sync_time"`
}

// Options wires the reconciler's collaborators. UserID must be the real
// authenticated user id; it is the sole basis of self-echo suppression.
type Options struct {
	UserID       string
	Store        *playlist.Store
	Channel      eventbus.Channel
	Engine       *engine.Engine
	Objects      storage.ObjectStorage
	Clock        clock.Clock
	DesyncWindow time.Duration
	Logger       zerolog.Logger
}

// enginePlan is the set of engine commands a transition decided on,
// executed after the state lock is released.
type enginePlan struct {
	stop      bool
	playTrack *models.PlaylistTrack
	resume    bool
	pause     bool
	seekTo    *int64
}

// Reconciler merges remote rows, remote events and local actions into
// one playback state and drives the local engine to match.
type Reconciler struct {
	userID  string
	store   *playlist.Store
	channel eventbus.Channel
	eng     *engine.Engine
	objects storage.ObjectStorage
	clk     clock.Clock
	window  time.Duration
	logger  zerolog.Logger

	mu             stdsync.Mutex
	state          State
	conversationID string
	playlistID     string
	initialized    bool
	closed         bool
	current        *models.PlaylistTrack
	positionMS     int64
	serverTS       time.Time
	isSynced       bool
	lastSyncTime   time.Time
	errMsg         string
	desyncTimer    clock.Timer
	cancelEvents   func()
	cancelRows     func()
	cancelEngine   func()
	subs           map[int]func(Snapshot)
	nextSub        int
}

// New creates a reconciler. It registers with the engine immediately;
// call Close to release everything.
func New(opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DesyncWindow <= 0 {
		opts.DesyncWindow = DefaultDesyncWindow
	}
	r := &Reconciler{
		userID:   opts.UserID,
		store:    opts.Store,
		channel:  opts.Channel,
		eng:      opts.Engine,
		objects:  opts.Objects,
		clk:      opts.Clock,
		window:   opts.DesyncWindow,
		logger:   opts.Logger,
		state:    StateIdle,
		isSynced: true,
		subs:     make(map[int]func(Snapshot)),
	}
	r.cancelEngine = r.eng.Subscribe(r.handleEngineEvent)
	telemetry.ActiveSessions.Inc()
	return r
}

// Initialize loads the conversation's playlist, subscribes to rows and
// events, and adopts the current row so a client joining mid-track
// starts at the derived live position. Idempotent per conversation.
func (r *Reconciler) Initialize(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("reconciler closed")
	}
	if r.initialized && r.conversationID == conversationID {
		r.mu.Unlock()
		return nil
	}
	if r.initialized {
		r.releaseSubscriptionsLocked()
		r.initialized = false
	}
	r.state = StateLoading
	r.mu.Unlock()
	r.notify(r.Snapshot())

	if err := r.store.Initialize(ctx, conversationID); err != nil {
		r.failInitialize(fmt.Sprintf("initialize playlist: %v", err))
		return err
	}
	pl := r.store.Playlist()

	cancelRows := r.store.Subscribe(r.onRowChange)
	cancelEvents, err := r.channel.Subscribe(pl.ID, r.onRemoteEvent)
	if err != nil {
		cancelRows()
		r.failInitialize(fmt.Sprintf("subscribe sync events: %v", err))
		return err
	}

	r.mu.Lock()
	r.initialized = true
	r.conversationID = conversationID
	r.playlistID = pl.ID
	r.cancelRows = cancelRows
	r.cancelEvents = cancelEvents
	r.errMsg = ""
	r.isSynced = true
	r.lastSyncTime = r.clk.Now()
	plan := r.adoptRowLocked(*pl)
	r.mu.Unlock()

	r.execute(plan)
	r.notify(r.Snapshot())
	return nil
}

func (r *Reconciler) failInitialize(msg string) {
	r.mu.Lock()
	r.errMsg = msg
	r.state = StateIdle
	r.mu.Unlock()
	r.notify(r.Snapshot())
}

// adoptRowLocked merges an authoritative row into local state and plans
// the engine commands needed to match it. Unknown track references are
// discarded; the next row update heals them. Caller holds r.mu.
func (r *Reconciler) adoptRowLocked(row models.SharedPlaylist) enginePlan {
	r.serverTS = row.ServerTimestamp

	if row.CurrentTrackID == nil {
		hadTrack := r.current != nil
		r.current = nil
		r.positionMS = 0
		r.state = StateIdle
		return enginePlan{stop: hadTrack}
	}

	track := r.store.TrackByID(*row.CurrentTrackID)
	if track == nil {
		return enginePlan{}
	}

	pos := row.PositionAt(r.clk.Now())
	trackChanged := r.current == nil || r.current.ID != track.ID
	r.current = track
	r.positionMS = pos

	if row.IsPlaying {
		r.state = StatePlaying
		if trackChanged {
			return enginePlan{playTrack: track, seekTo: &pos}
		}
		plan := enginePlan{resume: true}
		if drift := pos - r.eng.Position(); drift > r.window.Milliseconds() || drift < -r.window.Milliseconds() {
			plan.seekTo = &pos
		}
		return plan
	}

	r.state = StatePaused
	plan := enginePlan{pause: true}
	if !trackChanged && r.eng.Position() != pos {
		plan.seekTo = &pos
	}
	return plan
}

// onRowChange handles merged row-change notifications from the store.
func (r *Reconciler) onRowChange(c eventbus.Change) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	var plan enginePlan
	switch c.Kind {
	case eventbus.ChangeTracks:
		// Refresh the current track's fields from the new list. A
		// concurrently removed current track stays until the next
		// playback row update corrects it.
		if r.current != nil {
			if t := r.store.TrackByID(r.current.ID); t != nil {
				r.current = t
			}
		}
	case eventbus.ChangePlayback:
		if c.Playlist != nil {
			plan = r.adoptRowLocked(*c.Playlist)
		}
	}
	r.mu.Unlock()

	r.execute(plan)
	r.notify(r.Snapshot())
}

// onRemoteEvent handles a sync event from the channel. Own events are
// discarded; foreign events open the desync window and are applied.
func (r *Reconciler) onRemoteEvent(ev eventbus.SyncEvent) {
	if ev.UserID == r.userID {
		telemetry.SyncEventsSuppressed.Inc()
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	telemetry.SyncEventsReceived.WithLabelValues(string(ev.Type)).Inc()
	r.markDesyncedLocked()
	plan := r.applyEventLocked(ev)
	r.mu.Unlock()

	r.execute(plan)
	r.notify(r.Snapshot())
}

// markDesyncedLocked opens the desync window and (re)arms its timer.
func (r *Reconciler) markDesyncedLocked() {
	if r.isSynced {
		r.isSynced = false
		telemetry.DesyncedSessions.Inc()
	}
	if r.desyncTimer == nil {
		r.desyncTimer = r.clk.AfterFunc(r.window, r.onDesyncWindowExpired)
	} else {
		r.desyncTimer.Reset(r.window)
	}
}

func (r *Reconciler) onDesyncWindowExpired() {
	r.mu.Lock()
	if r.closed || r.isSynced {
		r.mu.Unlock()
		return
	}
	r.isSynced = true
	r.lastSyncTime = r.clk.Now()
	telemetry.DesyncedSessions.Dec()
	r.mu.Unlock()

	r.notify(r.Snapshot())
}

// applyEventLocked applies a foreign event. Events referencing unknown
// tracks are discarded silently. Caller holds r.mu.
func (r *Reconciler) applyEventLocked(ev eventbus.SyncEvent) enginePlan {
	zero := int64(0)
	switch ev.Type {
	case eventbus.EventPlay:
		if ev.Data.TrackID != nil {
			track := r.store.TrackByID(*ev.Data.TrackID)
			if track == nil {
				return enginePlan{}
			}
			trackChanged := r.current == nil || r.current.ID != track.ID
			r.current = track
			r.positionMS = 0
			r.state = StatePlaying
			if trackChanged {
				return enginePlan{playTrack: track, seekTo: &zero}
			}
			return enginePlan{resume: true, seekTo: &zero}
		}
		if r.current == nil {
			return enginePlan{}
		}
		r.state = StatePlaying
		return enginePlan{resume: true}

	case eventbus.EventPause:
		r.state = StatePaused
		plan := enginePlan{pause: true}
		if ev.Data.PositionMS != nil {
			r.positionMS = *ev.Data.PositionMS
			plan.seekTo = ev.Data.PositionMS
		}
		return plan

	case eventbus.EventSeek:
		if ev.Data.PositionMS == nil {
			return enginePlan{}
		}
		r.positionMS = *ev.Data.PositionMS
		return enginePlan{seekTo: ev.Data.PositionMS}

	case eventbus.EventNext, eventbus.EventPrevious:
		if ev.Data.TrackID == nil {
			return enginePlan{}
		}
		track := r.store.TrackByID(*ev.Data.TrackID)
		if track == nil {
			return enginePlan{}
		}
		r.current = track
		r.positionMS = 0
		r.state = StatePlaying
		return enginePlan{playTrack: track, seekTo: &zero}
	}
	return enginePlan{}
}

// execute runs the engine commands a transition decided on. Never call
// it while holding r.mu; engine events reenter the reconciler.
func (r *Reconciler) execute(p enginePlan) {
	if p.stop {
		r.eng.StopAudio()
	}
	if p.playTrack != nil {
		if err := r.eng.PlayTrack(*p.playTrack); err != nil {
			r.recordError(fmt.Sprintf("play track: %v", err))
		}
	}
	if p.resume {
		r.eng.ResumeAudio()
	}
	if p.pause {
		r.eng.PauseAudio()
	}
	if p.seekTo != nil {
		r.eng.SeekTo(*p.seekTo)
	}
}

// Play starts playback. With a track id the track starts from zero;
// without one the current track resumes, falling back to the first
// track of the playlist.
func (r *Reconciler) Play(ctx context.Context, trackID *string) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	var track *models.PlaylistTrack
	switch {
	case trackID != nil:
		track = r.store.TrackByID(*trackID)
		if track == nil {
			r.mu.Unlock()
			return fmt.Errorf("track %s is not in the playlist", *trackID)
		}
	case r.current != nil:
		track = r.current
	default:
		track = r.store.FirstTrack()
		if track == nil {
			r.mu.Unlock()
			return errors.New("playlist is empty")
		}
	}
	fromZero := trackID != nil || r.current == nil || r.current.ID != track.ID
	r.current = track
	r.state = StatePlaying
	if fromZero {
		r.positionMS = 0
	}
	r.mu.Unlock()

	if err := r.eng.PlayTrack(*track); err != nil {
		r.recordError(fmt.Sprintf("play track: %v", err))
	}
	var pos int64
	if fromZero {
		r.eng.SeekTo(0)
	} else {
		pos = r.eng.Position()
	}

	playing := true
	if _, err := r.store.UpdatePlayback(ctx, dataservice.PlaybackUpdate{
		CurrentTrackID: &track.ID,
		IsPlaying:      &playing,
		PositionMS:     &pos,
	}); err != nil {
		r.recordError(fmt.Sprintf("update playback: %v", err))
		return err
	}

	data := eventbus.EventData{}
	if fromZero {
		data.TrackID = &track.ID
	}
	r.publish(ctx, eventbus.EventPlay, data)
	r.notify(r.Snapshot())
	return nil
}

// Pause pauses playback and anchors the shared position at the local
// engine offset. No-op unless playing.
func (r *Reconciler) Pause(ctx context.Context) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	if r.state != StatePlaying {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	pos := r.eng.Position()
	r.eng.PauseAudio()

	r.mu.Lock()
	r.state = StatePaused
	r.positionMS = pos
	r.mu.Unlock()

	playing := false
	if _, err := r.store.UpdatePlayback(ctx, dataservice.PlaybackUpdate{
		IsPlaying:  &playing,
		PositionMS: &pos,
	}); err != nil {
		r.recordError(fmt.Sprintf("update playback: %v", err))
		return err
	}

	r.publish(ctx, eventbus.EventPause, eventbus.EventData{PositionMS: &pos})
	r.notify(r.Snapshot())
	return nil
}

// Seek moves playback to positionMS without changing the play state.
func (r *Reconciler) Seek(ctx context.Context, positionMS int64) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	if positionMS < 0 {
		positionMS = 0
	}
	r.positionMS = positionMS
	r.mu.Unlock()

	r.eng.SeekTo(positionMS)

	if _, err := r.store.UpdatePlayback(ctx, dataservice.PlaybackUpdate{
		PositionMS: &positionMS,
	}); err != nil {
		r.recordError(fmt.Sprintf("update playback: %v", err))
		return err
	}

	r.publish(ctx, eventbus.EventSeek, eventbus.EventData{PositionMS: &positionMS})
	r.notify(r.Snapshot())
	return nil
}

// Next advances to the following track, wrapping past the end.
func (r *Reconciler) Next(ctx context.Context) error {
	return r.skip(ctx, eventbus.EventNext)
}

// Previous steps back to the preceding track, wrapping before the start.
func (r *Reconciler) Previous(ctx context.Context) error {
	return r.skip(ctx, eventbus.EventPrevious)
}

func (r *Reconciler) skip(ctx context.Context, typ eventbus.EventType) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	var target *models.PlaylistTrack
	if r.current == nil {
		target = r.store.FirstTrack()
	} else if typ == eventbus.EventNext {
		target = r.store.NextOf(r.current.ID)
	} else {
		target = r.store.PreviousOf(r.current.ID)
	}
	if target == nil {
		r.mu.Unlock()
		return nil
	}
	r.current = target
	r.positionMS = 0
	r.state = StatePlaying
	r.mu.Unlock()

	if err := r.eng.PlayTrack(*target); err != nil {
		r.recordError(fmt.Sprintf("play track: %v", err))
	}
	r.eng.SeekTo(0)

	playing := true
	zero := int64(0)
	if _, err := r.store.UpdatePlayback(ctx, dataservice.PlaybackUpdate{
		CurrentTrackID: &target.ID,
		IsPlaying:      &playing,
		PositionMS:     &zero,
	}); err != nil {
		r.recordError(fmt.Sprintf("update playback: %v", err))
		return err
	}

	r.publish(ctx, typ, eventbus.EventData{TrackID: &target.ID})
	r.notify(r.Snapshot())
	return nil
}

// AddLocalAudio stores an uploaded audio file and appends it to the
// playlist as a local-upload track.
func (r *Reconciler) AddLocalAudio(ctx context.Context, filename string, file io.Reader, title, artist string, durationMS int64) (*models.PlaylistTrack, error) {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return nil, ErrNotInitialized
	}
	r.mu.Unlock()
	if r.objects == nil {
		return nil, errors.New("object storage not configured")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	key := "uploads/" + uuid.NewString() + ext
	url, err := r.objects.Store(ctx, key, file, mime.TypeByExtension(ext))
	if err != nil {
		r.recordError(fmt.Sprintf("store upload: %v", err))
		return nil, err
	}

	if title == "" {
		title = strings.TrimSuffix(filepath.Base(filename), ext)
	}
	track, err := r.store.AddTrack(ctx, models.PlaylistTrack{
		SourceType: models.SourceLocalUpload,
		SourceURL:  url,
		Title:      title,
		Artist:     artist,
		DurationMS: durationMS,
		AddedBy:    r.userID,
		AddedAt:    r.clk.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return track, nil
}

// RemoveTrack deletes a track from the shared playlist.
func (r *Reconciler) RemoveTrack(ctx context.Context, trackID string) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	r.mu.Unlock()
	return r.store.RemoveTrack(ctx, trackID)
}

// ReorderTrack moves a track to a new 1-based position.
func (r *Reconciler) ReorderTrack(ctx context.Context, trackID string, newIndex int) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	r.mu.Unlock()
	return r.store.ReorderTrack(ctx, trackID, newIndex)
}

// handleEngineEvent mirrors engine progress into the snapshot and
// advances the playlist when a track ends naturally.
func (r *Reconciler) handleEngineEvent(ev engine.Event) {
	var advance bool
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	switch ev.Type {
	case engine.EventTimeUpdate:
		if r.state == StatePlaying {
			r.positionMS = ev.PositionMS
		}
	case engine.EventError:
		if ev.Err != nil {
			r.errMsg = fmt.Sprintf("playback: %v", ev.Err)
		}
	case engine.EventEnded:
		advance = r.state == StatePlaying && r.current != nil &&
			ev.Track != nil && ev.Track.ID == r.current.ID
	}
	r.mu.Unlock()

	r.notify(r.Snapshot())
	if advance {
		go func() {
			if err := r.Next(context.Background()); err != nil {
				r.logger.Warn().Err(err).Msg("auto-advance after track end failed")
			}
		}()
	}
}

// Subscribe registers a snapshot listener invoked after every state
// change. The returned cancel func removes it.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Snapshot returns the current UI-facing state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() Snapshot {
	var cur *models.PlaylistTrack
	if r.current != nil {
		t := *r.current
		cur = &t
	}
	errMsg := r.errMsg
	if errMsg == "" {
		errMsg = r.store.Err()
	}
	return Snapshot{
		State:             r.state,
		Playlist:          r.store.Playlist(),
		Tracks:            r.store.Tracks(),
		IsLoading:         r.state == StateLoading,
		Error:             errMsg,
		IsPlaying:         r.state == StatePlaying,
		CurrentTrack:      cur,
		CurrentPositionMS: r.positionMS,
		DurationMS:        r.eng.Duration(),
		ServerTimestamp:   r.serverTS,
		IsSynced:          r.isSynced,
		LastSyncTime:      r.lastSyncTime,
	}
}

// Close releases both subscriptions, the desync timer and the audio
// element. Nothing may outlive the owning session.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.desyncTimer != nil {
		r.desyncTimer.Stop()
		r.desyncTimer = nil
	}
	wasDesynced := !r.isSynced
	r.isSynced = true
	r.releaseSubscriptionsLocked()
	cancelEngine := r.cancelEngine
	r.cancelEngine = nil
	r.mu.Unlock()

	if cancelEngine != nil {
		cancelEngine()
	}
	r.store.Close()
	r.eng.StopAudio()
	if wasDesynced {
		telemetry.DesyncedSessions.Dec()
	}
	telemetry.ActiveSessions.Dec()
}

// releaseSubscriptionsLocked drops the row and event subscriptions.
// Caller holds r.mu.
func (r *Reconciler) releaseSubscriptionsLocked() {
	if r.cancelRows != nil {
		r.cancelRows()
		r.cancelRows = nil
	}
	if r.cancelEvents != nil {
		r.cancelEvents()
		r.cancelEvents = nil
	}
}

func (r *Reconciler) publish(ctx context.Context, typ eventbus.EventType, data eventbus.EventData) {
	r.mu.Lock()
	playlistID := r.playlistID
	r.mu.Unlock()

	ev := eventbus.SyncEvent{
		PlaylistID: playlistID,
		UserID:     r.userID,
		Type:       typ,
		Data:       data,
		CreatedAt:  r.clk.Now().UTC(),
	}
	if err := r.channel.Publish(ctx, ev); err != nil {
		// Events are an accelerant; the row update already carries the
		// authoritative state.
		r.logger.Warn().Err(err).Str("type", string(typ)).Msg("failed to publish sync event")
		return
	}
	telemetry.SyncEventsPublished.WithLabelValues(string(typ)).Inc()
}

func (r *Reconciler) recordError(msg string) {
	r.mu.Lock()
	r.errMsg = msg
	r.mu.Unlock()
	r.logger.Warn().Msg(msg)
}

func (r *Reconciler) notify(snap Snapshot) {
	r.mu.Lock()
	fns := make([]func(Snapshot), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
