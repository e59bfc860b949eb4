package server

import (
	"context"
	"testing"
	"time"

	"github.com/pubky/pubky-app-cache/internal/coordinator"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "pk-alice")
	defer cleanup()

	dispatcher.Publish(coordinator.Event{
		Kind:      coordinator.EventStreamUpdates,
		UserPubky: "pk-alice",
		StreamID:  "timeline:all:all",
		PostIDs:   []string{"a:1", "a:2"},
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Kind != coordinator.EventStreamUpdates {
			t.Fatalf("expected kind %s, got %s", coordinator.EventStreamUpdates, received.Kind)
		}
		if len(received.PostIDs) != 2 {
			t.Fatalf("expected 2 post ids, got %d", len(received.PostIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceStream, aliceCleanup := dispatcher.Subscribe(ctx, "pk-alice")
	defer aliceCleanup()
	bobStream, bobCleanup := dispatcher.Subscribe(ctx, "pk-bob")
	defer bobCleanup()

	dispatcher.Publish(coordinator.Event{Kind: coordinator.EventNotifications, UserPubky: "pk-bob", Count: 3})

	select {
	case <-aliceStream:
		t.Fatal("did not expect an event for an unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-bobStream:
		if event.UserPubky != "pk-bob" || event.Count != 3 {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected an event for the subscribed user")
	}
}

func TestRealtimeDispatcherDropsCancelledSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "pk-alice")

	cancel()
	cleanup()
	deadline := time.Now().Add(time.Second)
	for {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers)
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriber to be removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherEmptyPubkyYieldsClosedStream(t *testing.T) {
	stream, cleanup := NewRealtimeDispatcher().Subscribe(context.Background(), "")
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatalf("expected closed stream")
	}
}
