package server

import (
	"context"
	"sync"

	"github.com/pubky/pubky-app-cache/internal/coordinator"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "pubky-cache"
	realtimeBufferSize     = 16
)

// RealtimeDispatcher fans poller events out to the event streams of the affected user.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan coordinator.Event
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe returns the event stream of pubky. The subscription ends when ctx is done
// or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, pubky string) (<-chan coordinator.Event, func()) {
	if pubky == "" {
		ch := make(chan coordinator.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{stream: make(chan coordinator.Event, d.bufferSize)}
	d.registerSubscriber(pubky, subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(pubky, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to every subscriber of its user. Slow subscribers miss events
// instead of blocking pollers.
func (d *RealtimeDispatcher) Publish(event coordinator.Event) {
	if event.UserPubky == "" || event.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserPubky]
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *RealtimeDispatcher) registerSubscriber(pubky string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[pubky]; !ok {
		d.subscribers[pubky] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[pubky][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(pubky string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[pubky]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, pubky)
	}
}
