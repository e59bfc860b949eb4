package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pubky/pubky-app-cache/internal/auth"
)

type fakeTicker struct {
	interval time.Duration
	ch       chan time.Time
	stopped  atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

func (t *fakeTicker) tick() {
	t.ch <- time.Now()
}

type tickerRecorder struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (r *tickerRecorder) factory(interval time.Duration) Ticker {
	r.mu.Lock()
	defer r.mu.Unlock()
	ticker := &fakeTicker{interval: interval, ch: make(chan time.Time, 1)}
	r.tickers = append(r.tickers, ticker)
	return ticker
}

func (r *tickerRecorder) all() []*fakeTicker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeTicker(nil), r.tickers...)
}

type fakePoller struct {
	name      string
	routes    map[string]bool
	condition InactiveReason
	fail      error
	panics    bool
	polls     chan struct{}
	count     atomic.Int64
}

func newFakePoller() *fakePoller {
	return &fakePoller{name: "fake", polls: make(chan struct{}, 64)}
}

func (p *fakePoller) Name() string { return p.name }

func (p *fakePoller) Poll(context.Context) error {
	p.count.Add(1)
	p.polls <- struct{}{}
	if p.panics {
		panic("poll exploded")
	}
	return p.fail
}

func (p *fakePoller) IsRouteAllowed(route string) bool {
	if p.routes == nil {
		return true
	}
	return p.routes[route]
}

func (p *fakePoller) CheckConditions() InactiveReason {
	return p.condition
}

func (p *fakePoller) waitForPoll(t *testing.T) {
	t.Helper()
	select {
	case <-p.polls:
	case <-time.After(time.Second):
		t.Fatal("expected a poll within deadline")
	}
}

func (p *fakePoller) expectNoPoll(t *testing.T) {
	t.Helper()
	select {
	case <-p.polls:
		t.Fatal("did not expect a poll")
	case <-time.After(100 * time.Millisecond):
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) published() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type staticViewer string

func (v staticViewer) ViewerID() string { return string(v) }

var errPollFailed = errors.New("poll failed")

type coordinatorFixture struct {
	coordinator *Coordinator
	poller      *fakePoller
	auth        *auth.Store
	visibility  *PageVisibility
	tickers     *tickerRecorder
}

func newCoordinatorFixture(t *testing.T, config Config, signedIn bool) coordinatorFixture {
	t.Helper()
	store := auth.NewStore()
	if signedIn {
		store.SetSession("pk-alice", true)
	}
	fixture := coordinatorFixture{
		poller:     newFakePoller(),
		auth:       store,
		visibility: NewPageVisibility(true),
		tickers:    &tickerRecorder{},
	}
	coordinator, err := New(Options{
		Poller:     fixture.poller,
		Auth:       store,
		Visibility: fixture.visibility,
		Config:     config,
		Route:      "/home",
		NewTicker:  fixture.tickers.factory,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	t.Cleanup(coordinator.Destroy)
	fixture.coordinator = coordinator
	return fixture
}

func durationPointer(value time.Duration) *time.Duration {
	return &value
}

func boolPointer(value bool) *bool {
	return &value
}
