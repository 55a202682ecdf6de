package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventNodeJoined, Message: "node eu-1 joined"})

	select {
	case evt := <-sub:
		if evt.Type != EventNodeJoined {
			t.Fatalf("expected EventNodeJoined, got %s", evt.Type)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("expected Publish to stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("expected to receive the published event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if _, ok := <-sub; ok {
		t.Fatal("expected subscriber channel to be closed after Unsubscribe")
	}
}

func TestSubscriberCountTracksActiveSubscriptions(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe() // never drained
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventReplicationLag})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish should never block even with a full subscriber buffer")
	}
}
