package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeEndpointState, Data: "active"})
	b.Publish(Event{Type: TypeEndpointState, Data: "degraded"})

	if got := len(a); got != 1 {
		t.Fatalf("small subscriber has %d events, want 1", got)
	}
	if got := len(c); got != 2 {
		t.Fatalf("large subscriber has %d events, want 2", got)
	}
	ev := <-c
	if ev.Time.IsZero() {
		t.Fatalf("event time not stamped")
	}
	if ev.Data != "active" {
		t.Fatalf("first event = %v, want active", ev.Data)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: TypeConfigReloaded})
}
