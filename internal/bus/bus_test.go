package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribePrefix(t *testing.T) {
	b := New()

	msgCh, unsubMsg := b.Subscribe("message.", 8)
	defer unsubMsg()
	allCh, unsubAll := b.Subscribe("", 8)
	defer unsubAll()

	b.Publish(Event{Kind: KindMessageUpserted, Timestamp: time.Now()})
	b.Publish(Event{Kind: KindSyncResult, Timestamp: time.Now()})

	select {
	case evt := <-msgCh:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("kind = %q, want %q", evt.Kind, KindMessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("message subscriber got nothing")
	}

	select {
	case evt := <-msgCh:
		t.Fatalf("message subscriber received out-of-namespace event %q", evt.Kind)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
		case <-time.After(time.Second):
			t.Fatalf("catch-all subscriber got %d events, want 2", i)
		}
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()

	_, unsub := b.Subscribe("sync.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindSyncResult, Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	ch, unsub := b.Subscribe("message.", 8)
	unsub()

	b.Publish(Event{Kind: KindMessageUpserted, Timestamp: time.Now()})
	select {
	case <-ch:
		t.Fatal("received event after unsubscribe")
	default:
	}
}
