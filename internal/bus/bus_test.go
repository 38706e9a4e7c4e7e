package bus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Kind: KindTurnOutcome, Fields: map[string]string{"outcome": "completed"}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != KindTurnOutcome {
				t.Errorf("kind = %q, want %q", ev.Kind, KindTurnOutcome)
			}
			if ev.At.IsZero() {
				t.Error("expected a timestamp")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindGateVerdict})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// Exactly the buffered event survives.
	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe(1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe is a no-op.
	b.Publish(Event{Kind: KindToolDropped})
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe(1)

	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Close")
	}

	// Subscribing after Close yields an already-closed channel.
	ch2, _ := b.Subscribe(1)
	if _, ok := <-ch2; ok {
		t.Fatal("post-Close subscription should be closed")
	}
}
