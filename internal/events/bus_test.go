package events

import (
	"sync"
	"testing"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("playlist-1")
	b := bus.Subscribe("playlist-1")
	other := bus.Subscribe("playlist-2")

	bus.Publish("playlist-1", Payload("hello"))

	for _, sub := range []Subscriber{a, b} {
		select {
		case got := <-sub:
			if string(got) != "hello" {
				t.Fatalf("payload mismatch: got %q", got)
			}
		default:
			t.Fatal("subscriber missed payload")
		}
	}

	select {
	case <-other:
		t.Fatal("payload leaked across channel keys")
	default:
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("playlist-1")
	bus.Unsubscribe("playlist-1", sub)

	if _, ok := <-sub; ok {
		t.Fatal("expected closed channel")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish("playlist-1", Payload("x"))
}

func TestBus_PublishRacingUnsubscribeNeverPanics(t *testing.T) {
	bus := NewBus()

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					bus.Publish("playlist-1", Payload("m"))
				}
			}
		}()
	}

	// Churn subscribers while publishers hammer the same channel key; a
	// send interleaving with close(sub) would panic the process.
	for i := 0; i < 5000; i++ {
		sub := bus.Subscribe("playlist-1")
		bus.Unsubscribe("playlist-1", sub)
	}
	close(done)
	wg.Wait()
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("playlist-1")

	for i := 0; i < cap(sub)+10; i++ {
		bus.Publish("playlist-1", Payload("m"))
	}

	if got := len(sub); got != cap(sub) {
		t.Fatalf("expected buffer full at %d, got %d", cap(sub), got)
	}
}
