package clock

import (
	"testing"
	"time"
)

func TestManual_AfterFuncFiresOnAdvance(t *testing.T) {
	m := NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fired := false
	m.AfterFunc(time.Second, func() { fired = true })

	m.Advance(500 * time.Millisecond)
	if fired {
		t.Fatal("timer fired early")
	}
	m.Advance(600 * time.Millisecond)
	if !fired {
		t.Fatal("timer did not fire")
	}
}

func TestManual_StoppedTimerDoesNotFire(t *testing.T) {
	m := NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected Stop to report active timer")
	}
	m.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestManual_TickerFiresPerInterval(t *testing.T) {
	m := NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tk := m.NewTicker(time.Second)
	m.Advance(3 * time.Second)

	got := 0
	for {
		select {
		case <-tk.C():
			got++
			continue
		default:
		}
		break
	}
	if got != 3 {
		t.Fatalf("tick count mismatch: got %d want 3", got)
	}
}
