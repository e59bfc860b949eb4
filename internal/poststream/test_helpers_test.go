package poststream

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pubky/pubky-app-cache/internal/database"
	"github.com/pubky/pubky-app-cache/internal/models"
	"github.com/pubky/pubky-app-cache/internal/nexus"
	"github.com/pubky/pubky-app-cache/internal/streams"
)

const testStream = "timeline:all:all"

type fetchCall struct {
	timestamp *int64
	limit     int
}

// scriptedRemote serves queued pages in order, or a fixed dataset when no pages are queued.
type scriptedRemote struct {
	mu      sync.Mutex
	pages   [][]nexus.PostView
	dataset []nexus.PostView
	err     error
	calls   []fetchCall
}

func (r *scriptedRemote) FetchStreamPosts(_ context.Context, params nexus.FetchParams) ([]nexus.PostView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := fetchCall{limit: params.Limit}
	if params.Timestamp != nil {
		timestamp := *params.Timestamp
		call.timestamp = &timestamp
	}
	r.calls = append(r.calls, call)

	if r.err != nil {
		return nil, r.err
	}
	if len(r.pages) > 0 {
		page := r.pages[0]
		r.pages = r.pages[1:]
		return page, nil
	}

	page := make([]nexus.PostView, 0, params.Limit)
	for _, post := range r.dataset {
		if params.Timestamp != nil && post.Details.IndexedAt >= *params.Timestamp {
			continue
		}
		page = append(page, post)
		if len(page) == params.Limit {
			break
		}
	}
	return page, nil
}

func (r *scriptedRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func post(author, postID string, indexedAt int64) nexus.PostView {
	return nexus.PostView{Details: nexus.PostDetails{ID: postID, Author: author, Kind: "short", IndexedAt: indexedAt}}
}

func compositeID(view nexus.PostView) string {
	return view.Details.Author + ":" + view.Details.ID
}

// descendingDataset returns count posts, newest first.
func descendingDataset(count int) []nexus.PostView {
	dataset := make([]nexus.PostView, 0, count)
	for index := 0; index < count; index++ {
		dataset = append(dataset, post("pk-alice", fmt.Sprintf("%04d", index), int64(1000-index*10)))
	}
	return dataset
}

type fixture struct {
	app     *Application
	remote  *scriptedRemote
	streams *streams.Service
	store   *models.Store
}

func newFixture(t *testing.T, remote *scriptedRemote) fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "poststream.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := models.NewStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	streamService, err := streams.NewService(streams.ServiceConfig{Model: store.Streams, CacheSize: 8})
	if err != nil {
		t.Fatalf("failed to build stream service: %v", err)
	}
	app, err := NewApplication(ApplicationConfig{
		Remote:  remote,
		Details: store.Details,
		Streams: streamService,
		Store:   store,
	})
	if err != nil {
		t.Fatalf("failed to build application: %v", err)
	}
	return fixture{app: app, remote: remote, streams: streamService, store: store}
}

func (f fixture) seedStream(t *testing.T, postIDs ...string) {
	t.Helper()
	if err := f.streams.Upsert(context.Background(), testStream, postIDs); err != nil {
		t.Fatalf("failed to seed stream: %v", err)
	}
}

func (f fixture) seedIndexedAt(t *testing.T, id string, indexedAt int64) {
	t.Helper()
	composite, err := models.ParseCompositePostID(id)
	if err != nil {
		t.Fatalf("invalid seed id: %v", err)
	}
	err = f.store.Details.Upsert(context.Background(), models.PostDetails{
		ID:              id,
		Author:          composite.Author(),
		PostID:          composite.PostID(),
		IndexedAt:       indexedAt,
		AttachmentsJSON: "[]",
	})
	if err != nil {
		t.Fatalf("failed to seed details: %v", err)
	}
}

func assertIDs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func int64Pointer(value int64) *int64 {
	return &value
}
