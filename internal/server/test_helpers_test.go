package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pubky/pubky-app-cache/internal/auth"
	"github.com/pubky/pubky-app-cache/internal/coordinator"
	"github.com/pubky/pubky-app-cache/internal/database"
	"github.com/pubky/pubky-app-cache/internal/models"
	"github.com/pubky/pubky-app-cache/internal/poststream"
	"github.com/pubky/pubky-app-cache/internal/streams"
	"go.uber.org/zap"
)

type stubSliceReader struct {
	mu       sync.Mutex
	slice    poststream.Slice
	err      error
	requests []poststream.SliceRequest
}

func (s *stubSliceReader) StreamSlice(_ context.Context, req poststream.SliceRequest) (poststream.Slice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.slice, s.err
}

func (s *stubSliceReader) lastRequest() poststream.SliceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type stubTagSuggester struct {
	labels []string
	err    error
}

func (s stubTagSuggester) Suggest(context.Context, string) ([]string, error) {
	return s.labels, s.err
}

type stubPoller struct {
	mu       sync.Mutex
	name     string
	polling  bool
	route    string
	interval time.Duration
	starts   int
	stops    int
	reevals  int
	failWith error
}

func (p *stubPoller) Name() string { return p.name }

func (p *stubPoller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.polling = true
}

func (p *stubPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.polling = false
}

func (p *stubPoller) Reevaluate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reevals++
}

func (p *stubPoller) SetRoute(route string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.route = route
}

func (p *stubPoller) Configure(patch coordinator.ConfigPatch) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if patch.Interval != nil {
		p.interval = *patch.Interval
	}
	return nil
}

func (p *stubPoller) Status() coordinator.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return coordinator.Status{
		Poller:     p.name,
		Polling:    p.polling,
		Route:      p.route,
		IntervalMs: p.interval.Milliseconds(),
	}
}

type stubStreamSelector struct {
	mu       sync.Mutex
	streamID string
}

func (s *stubStreamSelector) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

func (s *stubStreamSelector) SetStreamID(streamID string) error {
	if streamID != "" {
		if _, err := streams.ParseStreamID(streamID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamID = streamID
	return nil
}

type routerFixture struct {
	handler    http.Handler
	slices     *stubSliceReader
	store      *models.Store
	auth       *auth.Store
	visibility *coordinator.PageVisibility
	realtime   *RealtimeDispatcher
	pollers    []*stubPoller
	homeStream *stubStreamSelector
}

func newRouterFixture(t *testing.T, logger *zap.Logger) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := models.NewStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	fixture := &routerFixture{
		slices:     &stubSliceReader{},
		store:      store,
		auth:       auth.NewStore(),
		visibility: coordinator.NewPageVisibility(true),
		realtime:   NewRealtimeDispatcher(),
		pollers:    []*stubPoller{{name: "notifications"}, {name: "stream-updates"}},
		homeStream: &stubStreamSelector{streamID: "timeline:all:all"},
	}
	controllers := make([]PollingController, 0, len(fixture.pollers))
	for _, poller := range fixture.pollers {
		controllers = append(controllers, poller)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Streams:           fixture.slices,
		Store:             store,
		Auth:              fixture.auth,
		Visibility:        fixture.visibility,
		Tags:              stubTagSuggester{labels: []string{"pubky", "pubkey"}},
		Realtime:          fixture.realtime,
		Pollers:           controllers,
		HomeStream:        fixture.homeStream,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func (f *routerFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func serve(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(method, target, http.NoBody))
	return recorder
}
