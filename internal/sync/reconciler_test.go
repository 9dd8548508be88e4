package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/dataservice"
	"github.com/friendsincode/listenroom/internal/engine"
	"github.com/friendsincode/listenroom/internal/eventbus"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/playlist"
)

// recordingElement counts the engine commands it receives so tests can
// assert how often playback was actually driven.
type recordingElement struct {
	onEvent func(engine.ElementEvent)

	mu      stdsync.Mutex
	playing bool
	closed  bool
	pos     int64
	dur     int64
	plays   int
	seeks   int
}

func (s *recordingElement) Play() error {
	s.mu.Lock()
	s.playing = true
	s.plays++
	pos := s.pos
	s.mu.Unlock()
	s.onEvent(engine.ElementEvent{Type: engine.EventPlay, PositionMS: pos})
	return nil
}

func (s *recordingElement) Pause() {
	s.mu.Lock()
	s.playing = false
	pos := s.pos
	s.mu.Unlock()
	s.onEvent(engine.ElementEvent{Type: engine.EventPause, PositionMS: pos})
}

func (s *recordingElement) Seek(positionMS int64) {
	s.mu.Lock()
	s.pos = positionMS
	s.seeks++
	s.mu.Unlock()
	s.onEvent(engine.ElementEvent{Type: engine.EventTimeUpdate, PositionMS: positionMS})
}

func (s *recordingElement) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *recordingElement) Duration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dur
}
func (s *recordingElement) SetVolume(float64) {}

func (s *recordingElement) Close() {
	s.mu.Lock()
	s.closed = true
	s.playing = false
	s.mu.Unlock()
}

func (s *recordingElement) snapshot() (playing, closed bool, pos int64, plays, seeks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing, s.closed, s.pos, s.plays, s.seeks
}

type harness struct {
	svc *dataservice.GormService
	bus *eventbus.MemoryBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.SharedPlaylist{}, &models.PlaylistTrack{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	bus := eventbus.NewMemoryBus(zerolog.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	return &harness{
		svc: dataservice.NewGormService(db, bus, nil, zerolog.Nop()),
		bus: bus,
	}
}

type testClient struct {
	rec      *Reconciler
	elements *[]*recordingElement
}

// newClient builds one simulated tab: its own playlist mirror, engine
// and reconciler, all over the shared data service and bus.
func (h *harness) newClient(t *testing.T, userID string, clk clock.Clock) *testClient {
	t.Helper()
	elements := &[]*recordingElement{}
	factory := func(track models.PlaylistTrack, onEvent func(engine.ElementEvent)) (engine.Element, error) {
		el := &recordingElement{onEvent: onEvent, dur: track.DurationMS}
		*elements = append(*elements, el)
		onEvent(engine.ElementEvent{Type: engine.EventLoadedMetadata})
		return el, nil
	}
	eng := engine.New(factory, nil, zerolog.Nop())
	store := playlist.New(h.svc, zerolog.Nop())
	rec := New(Options{
		UserID:  userID,
		Store:   store,
		Channel: h.bus,
		Engine:  eng,
		Clock:   clk,
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(rec.Close)
	return &testClient{rec: rec, elements: elements}
}

func (h *harness) seedTracks(t *testing.T, conversationID string, titles ...string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	pl, err := h.svc.GetOrCreatePlaylist(ctx, conversationID)
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	var ids []string
	for _, title := range titles {
		track, err := h.svc.InsertTrack(ctx, models.PlaylistTrack{
			PlaylistID: pl.ID,
			SourceType: models.SourceLocalUpload,
			SourceURL:  "media/" + title + ".mp3",
			Title:      title,
			DurationMS: 180000,
			AddedBy:    "seeder",
		})
		if err != nil {
			t.Fatalf("insert %s: %v", title, err)
		}
		ids = append(ids, track.ID)
	}
	return pl.ID, ids
}

func waitSnapshot(t *testing.T, rec *Reconciler, cond func(Snapshot) bool, msg string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := rec.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s; last snapshot: %+v", msg, snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSelfEcho_NeverDrivesEngineTwice(t *testing.T) {
	h := newHarness(t)
	_, ids := h.seedTracks(t, "conv-1", "one")
	a := h.newClient(t, "user-a", clock.New())
	ctx := context.Background()

	if err := a.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := a.rec.Play(ctx, &ids[0]); err != nil {
		t.Fatalf("play: %v", err)
	}

	// Let the own event and the row echo come back over the bus.
	time.Sleep(100 * time.Millisecond)

	if len(*a.elements) != 1 {
		t.Fatalf("self echo rebuilt the element: %d elements", len(*a.elements))
	}
	_, _, _, plays, seeks := (*a.elements)[0].snapshot()
	if plays != 1 {
		t.Fatalf("engine driven %d times, want 1", plays)
	}
	if seeks != 1 {
		t.Fatalf("engine seeked %d times, want 1", seeks)
	}
}

func TestForeignEvent_OpensAndClosesDesyncWindow(t *testing.T) {
	h := newHarness(t)
	playlistID, ids := h.seedTracks(t, "conv-1", "one")
	manual := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	b := h.newClient(t, "user-b", manual)
	ctx := context.Background()

	if err := b.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !b.rec.Snapshot().IsSynced {
		t.Fatal("fresh session should be synced")
	}

	err := h.bus.Publish(ctx, eventbus.SyncEvent{
		PlaylistID: playlistID,
		UserID:     "user-a",
		Type:       eventbus.EventPlay,
		Data:       eventbus.EventData{TrackID: &ids[0]},
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitSnapshot(t, b.rec, func(s Snapshot) bool { return !s.IsSynced }, "foreign event did not open desync window")

	manual.Advance(1500 * time.Millisecond)
	snap := waitSnapshot(t, b.rec, func(s Snapshot) bool { return s.IsSynced }, "desync window did not close")
	if snap.LastSyncTime.Before(manual.Now().Add(-2 * time.Second)) {
		t.Fatalf("last sync time not updated: %v", snap.LastSyncTime)
	}
}

func TestForeignEvent_RearmedByFollowupEvents(t *testing.T) {
	h := newHarness(t)
	playlistID, ids := h.seedTracks(t, "conv-1", "one")
	manual := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	b := h.newClient(t, "user-b", manual)
	ctx := context.Background()

	if err := b.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	publish := func(typ eventbus.EventType) {
		pos := int64(1000)
		err := h.bus.Publish(ctx, eventbus.SyncEvent{
			PlaylistID: playlistID,
			UserID:     "user-a",
			Type:       typ,
			Data:       eventbus.EventData{TrackID: &ids[0], PositionMS: &pos},
			CreatedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	publish(eventbus.EventPlay)
	waitSnapshot(t, b.rec, func(s Snapshot) bool { return !s.IsSynced }, "window did not open")

	// A second foreign event inside the window re-arms the timer.
	manual.Advance(500 * time.Millisecond)
	publish(eventbus.EventSeek)
	waitSnapshot(t, b.rec, func(s Snapshot) bool { return s.CurrentPositionMS == 1000 }, "seek not applied")

	manual.Advance(600 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if b.rec.Snapshot().IsSynced {
		t.Fatal("window closed despite re-arm")
	}

	manual.Advance(500 * time.Millisecond)
	waitSnapshot(t, b.rec, func(s Snapshot) bool { return s.IsSynced }, "re-armed window did not close")
}

func TestForeignEvent_UnknownTrackDiscardedSilently(t *testing.T) {
	h := newHarness(t)
	playlistID, _ := h.seedTracks(t, "conv-1", "one")
	b := h.newClient(t, "user-b", clock.New())
	ctx := context.Background()

	if err := b.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ghost := "not-a-real-track"
	err := h.bus.Publish(ctx, eventbus.SyncEvent{
		PlaylistID: playlistID,
		UserID:     "user-a",
		Type:       eventbus.EventNext,
		Data:       eventbus.EventData{TrackID: &ghost},
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	snap := b.rec.Snapshot()
	if snap.CurrentTrack != nil || snap.IsPlaying {
		t.Fatalf("unresolvable event mutated state: %+v", snap)
	}
	if snap.Error != "" {
		t.Fatalf("unresolvable event surfaced an error: %s", snap.Error)
	}
	if len(*b.elements) != 0 {
		t.Fatal("unresolvable event drove the engine")
	}
}

func TestJoinMidTrack_DerivesLivePosition(t *testing.T) {
	h := newHarness(t)
	playlistID, ids := h.seedTracks(t, "conv-1", "one")
	ctx := context.Background()

	playing := true
	pos := int64(10000)
	if _, err := h.svc.UpdatePlayback(ctx, playlistID, dataservice.PlaybackUpdate{
		CurrentTrackID: &ids[0],
		IsPlaying:      &playing,
		PositionMS:     &pos,
	}); err != nil {
		t.Fatalf("seed playback: %v", err)
	}

	b := h.newClient(t, "user-b", clock.New())
	if err := b.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap := b.rec.Snapshot()
	if !snap.IsPlaying || snap.CurrentTrack == nil || snap.CurrentTrack.ID != ids[0] {
		t.Fatalf("joiner did not adopt the playing row: %+v", snap)
	}
	// Live position is P plus elapsed wall time since the server stamp.
	if snap.CurrentPositionMS < 10000 || snap.CurrentPositionMS > 12000 {
		t.Fatalf("derived position out of range: %d", snap.CurrentPositionMS)
	}
	if len(*b.elements) != 1 {
		t.Fatalf("joiner did not start playback: %d elements", len(*b.elements))
	}
	_, _, elPos, _, _ := (*b.elements)[0].snapshot()
	if elPos < 10000 || elPos > 12000 {
		t.Fatalf("engine not seeked to live position: %d", elPos)
	}
}

func TestScenario_ClientANextClientBConverges(t *testing.T) {
	h := newHarness(t)
	_, ids := h.seedTracks(t, "conv-1", "one", "two")
	a := h.newClient(t, "user-a", clock.New())
	b := h.newClient(t, "user-b", clock.New())
	ctx := context.Background()

	if err := a.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize a: %v", err)
	}
	if err := b.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize b: %v", err)
	}

	if err := a.rec.Play(ctx, &ids[0]); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitSnapshot(t, b.rec, func(s Snapshot) bool {
		return s.IsPlaying && s.CurrentTrack != nil && s.CurrentTrack.ID == ids[0]
	}, "client b did not converge on track one")

	if err := a.rec.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}

	snapA := a.rec.Snapshot()
	if snapA.CurrentTrack == nil || snapA.CurrentTrack.ID != ids[1] || !snapA.IsPlaying || snapA.CurrentPositionMS != 0 {
		t.Fatalf("client a local state wrong after next: %+v", snapA)
	}

	snapB := waitSnapshot(t, b.rec, func(s Snapshot) bool {
		return s.IsPlaying && s.CurrentTrack != nil && s.CurrentTrack.ID == ids[1]
	}, "client b did not converge on track two")
	if snapB.CurrentPositionMS > 1000 {
		t.Fatalf("client b position should be near zero: %d", snapB.CurrentPositionMS)
	}

	// B's engine must actually be playing track two.
	els := *b.elements
	playing, _, _, _, _ := els[len(els)-1].snapshot()
	if !playing {
		t.Fatal("client b engine not playing")
	}
}

func TestPause_AnchorsSharedPosition(t *testing.T) {
	h := newHarness(t)
	_, ids := h.seedTracks(t, "conv-1", "one")
	a := h.newClient(t, "user-a", clock.New())
	b := h.newClient(t, "user-b", clock.New())
	ctx := context.Background()

	if err := a.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize a: %v", err)
	}
	if err := b.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize b: %v", err)
	}
	if err := a.rec.Play(ctx, &ids[0]); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitSnapshot(t, b.rec, func(s Snapshot) bool { return s.IsPlaying }, "b did not start")

	// Simulate playback progress on A, then pause.
	(*a.elements)[0].Seek(5000)
	if err := a.rec.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}

	snapB := waitSnapshot(t, b.rec, func(s Snapshot) bool { return !s.IsPlaying && s.State == StatePaused }, "b did not pause")
	if snapB.CurrentPositionMS != 5000 {
		t.Fatalf("pause anchor not adopted: %d", snapB.CurrentPositionMS)
	}
}

func TestSnapshot_CarriesElementDuration(t *testing.T) {
	h := newHarness(t)
	_, ids := h.seedTracks(t, "conv-1", "one")
	a := h.newClient(t, "user-a", clock.New())
	ctx := context.Background()

	if err := a.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := a.rec.Snapshot().DurationMS; got != 0 {
		t.Fatalf("idle snapshot should have zero duration: %d", got)
	}

	if err := a.rec.Play(ctx, &ids[0]); err != nil {
		t.Fatalf("play: %v", err)
	}
	snap := waitSnapshot(t, a.rec, func(s Snapshot) bool { return s.IsPlaying }, "play did not take effect")
	if snap.DurationMS != 180000 {
		t.Fatalf("snapshot duration mismatch: %d", snap.DurationMS)
	}

	// Streams learn their duration after metadata loads; the snapshot
	// follows the element rather than the stored track row.
	els := *a.elements
	els[len(els)-1].mu.Lock()
	els[len(els)-1].dur = 240000
	els[len(els)-1].mu.Unlock()
	if got := a.rec.Snapshot().DurationMS; got != 240000 {
		t.Fatalf("late duration not reflected: %d", got)
	}
}

func TestClose_ReleasesSubscriptionsAndAudio(t *testing.T) {
	h := newHarness(t)
	playlistID, ids := h.seedTracks(t, "conv-1", "one")
	b := h.newClient(t, "user-b", clock.New())
	ctx := context.Background()

	if err := b.rec.Initialize(ctx, "conv-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := b.rec.Play(ctx, &ids[0]); err != nil {
		t.Fatalf("play: %v", err)
	}

	b.rec.Close()
	b.rec.Close() // idempotent

	_, closed, _, _, _ := (*b.elements)[0].snapshot()
	if !closed {
		t.Fatal("audio element outlived the session")
	}

	// Events published after close must not resurrect state.
	pos := int64(9999)
	err := h.bus.Publish(ctx, eventbus.SyncEvent{
		PlaylistID: playlistID,
		UserID:     "user-a",
		Type:       eventbus.EventSeek,
		Data:       eventbus.EventData{PositionMS: &pos},
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if b.rec.Snapshot().CurrentPositionMS == 9999 {
		t.Fatal("closed reconciler applied an event")
	}
}

func TestActionsBeforeInitializeAreRejected(t *testing.T) {
	h := newHarness(t)
	a := h.newClient(t, "user-a", clock.New())
	ctx := context.Background()

	if err := a.rec.Play(ctx, nil); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := a.rec.Pause(ctx); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := a.rec.Seek(ctx, 1000); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
