package bus

import (
	"testing"

	"github.com/brightclass/relay/pkg/events"
)

func TestPublishReachesAllSubscribersInOrder(t *testing.T) {
	b := New()
	var order []string

	b.Subscribe("t", func(events.Envelope) { order = append(order, "first") })
	b.Subscribe("t", func(events.Envelope) { order = append(order, "second") })
	b.Subscribe("other", func(events.Envelope) { order = append(order, "wrong topic") })

	b.Publish("t", events.NewEnvelope("x", "test", nil))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected [first second], got %v", order)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	tok := b.Subscribe("t", func(events.Envelope) { calls++ })

	b.Publish("t", events.NewEnvelope("x", "test", nil))
	b.Unsubscribe(tok)

	for i := 0; i < 5; i++ {
		b.Publish("t", events.NewEnvelope("x", "test", nil))
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before unsubscribe, got %d", calls)
	}
}

func TestUnsubscribeTwiceIsNoOp(t *testing.T) {
	b := New()
	tok := b.Subscribe("t", func(events.Envelope) {})
	b.Unsubscribe(tok)
	b.Unsubscribe(tok) // must not panic or remove anyone else

	survivor := 0
	b.Subscribe("t", func(events.Envelope) { survivor++ })
	b.Publish("t", events.NewEnvelope("x", "test", nil))
	if survivor != 1 {
		t.Fatalf("expected surviving subscriber to fire once, got %d", survivor)
	}
}

func TestDispatchUsesSnapshotOfSubscribers(t *testing.T) {
	b := New()
	var tok Token
	lateCalls := 0
	removedCalls := 0

	// Adding a subscriber during dispatch must not deliver this event to it.
	b.Subscribe("t", func(events.Envelope) {
		b.Subscribe("t", func(events.Envelope) { lateCalls++ })
	})
	// Removing a later subscriber during dispatch must still deliver to it
	// for this event (snapshot), but not for the next.
	b.Subscribe("t", func(events.Envelope) { b.Unsubscribe(tok) })
	tok = b.Subscribe("t", func(events.Envelope) { removedCalls++ })

	b.Publish("t", events.NewEnvelope("x", "test", nil))
	if lateCalls != 0 {
		t.Fatalf("late subscriber fired during the dispatch that added it")
	}
	if removedCalls != 1 {
		t.Fatalf("snapshot member removed mid-dispatch should still fire once, got %d", removedCalls)
	}

	b.Publish("t", events.NewEnvelope("x", "test", nil))
	if lateCalls == 0 {
		t.Fatal("late subscriber should receive the next publish")
	}
	if removedCalls != 1 {
		t.Fatalf("removed subscriber fired after unsubscribe, calls=%d", removedCalls)
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	delivered := 0

	b.Subscribe("t", func(events.Envelope) { panic("bad consumer") })
	b.Subscribe("t", func(events.Envelope) { delivered++ })

	b.Publish("t", events.NewEnvelope("x", "test", nil))

	if delivered != 1 {
		t.Fatalf("remaining subscriber should still be invoked, got %d", delivered)
	}
	_, dropped, _ := b.Stats()
	if dropped != 1 {
		t.Fatalf("expected 1 dropped callback, got %d", dropped)
	}
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("t", func(events.Envelope) { calls++ })
	b.Close()
	b.Publish("t", events.NewEnvelope("x", "test", nil))
	if calls != 0 {
		t.Fatalf("closed bus delivered %d events", calls)
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	t1 := b.Subscribe("t", func(events.Envelope) {})
	b.Subscribe("t", func(events.Envelope) {})
	if got := b.SubscriberCount("t"); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}
	b.Unsubscribe(t1)
	if got := b.SubscriberCount("t"); got != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", got)
	}
}
