package models

import (
	"testing"
	"time"
)

func TestSharedPlaylist_PositionAt_AdvancesWhilePlaying(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := SharedPlaylist{
		IsPlaying:         true,
		CurrentPositionMS: 37000,
		ServerTimestamp:   stamp,
	}

	got := p.PositionAt(stamp.Add(4 * time.Second))
	if got != 41000 {
		t.Fatalf("position mismatch: got %d want 41000", got)
	}

	// Monotonically increasing until the next row update.
	later := p.PositionAt(stamp.Add(5 * time.Second))
	if later <= got {
		t.Fatalf("expected monotonic increase, got %d then %d", got, later)
	}
}

func TestSharedPlaylist_PositionAt_FrozenWhilePaused(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := SharedPlaylist{
		IsPlaying:         false,
		CurrentPositionMS: 37000,
		ServerTimestamp:   stamp,
	}

	if got := p.PositionAt(stamp.Add(time.Hour)); got != 37000 {
		t.Fatalf("paused position mismatch: got %d want 37000", got)
	}
}

func TestSharedPlaylist_PositionAt_ClockSkewDoesNotRewind(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := SharedPlaylist{
		IsPlaying:         true,
		CurrentPositionMS: 5000,
		ServerTimestamp:   stamp,
	}

	// A local clock behind the server must not produce a position before
	// the authoritative one.
	if got := p.PositionAt(stamp.Add(-2 * time.Second)); got != 5000 {
		t.Fatalf("skewed position mismatch: got %d want 5000", got)
	}
}
