package poststream

import (
	"context"
	"errors"
	"testing"

	"github.com/pubky/pubky-app-cache/internal/nexus"
)

func TestFirstPageServedFromCacheWithoutRemoteCall(t *testing.T) {
	f := newFixture(t, &scriptedRemote{})
	f.seedStream(t, "a:1", "a:2", "a:3")

	got := f.app.GetOrFetchStreamSlice(context.Background(), SliceRequest{StreamID: testStream, Limit: 2})
	assertIDs(t, got, []string{"a:1", "a:2"})
	if f.remote.callCount() != 0 {
		t.Fatalf("expected no remote calls, got %d", f.remote.callCount())
	}
}

func TestFirstPageFetchesAndCachesWhenEmpty(t *testing.T) {
	remote := &scriptedRemote{dataset: descendingDataset(3)}
	f := newFixture(t, remote)
	ctx := context.Background()

	got := f.app.GetOrFetchStreamSlice(ctx, SliceRequest{StreamID: testStream, Limit: 5})
	assertIDs(t, got, []string{"pk-alice:0000", "pk-alice:0001", "pk-alice:0002"})
	if remote.calls[0].timestamp != nil {
		t.Fatalf("first page must not carry a timestamp")
	}

	cached, err := f.streams.Read(ctx, testStream)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	assertIDs(t, cached, got)

	indexedAt, found, err := f.store.Details.FindIndexedAt(ctx, "pk-alice:0001")
	if err != nil || !found || indexedAt != 990 {
		t.Fatalf("expected fetched details to be written behind, got %d %v %v", indexedAt, found, err)
	}
	counts, err := f.store.Counts.FindByID(ctx, "pk-alice:0001")
	if err != nil || counts == nil {
		t.Fatalf("expected fetched counts to be written behind (%v)", err)
	}

	again := f.app.GetOrFetchStreamSlice(ctx, SliceRequest{StreamID: testStream, Limit: 5})
	assertIDs(t, again, got)
	if remote.callCount() != 1 {
		t.Fatalf("expected the second first-page read to hit the cache, got %d calls", remote.callCount())
	}
}

func TestCursorSliceFullyCachedSkipsRemote(t *testing.T) {
	f := newFixture(t, &scriptedRemote{})
	f.seedStream(t, "p:1", "p:2", "p:3")

	got := f.app.GetOrFetchStreamSlice(context.Background(), SliceRequest{StreamID: testStream, Limit: 2, CursorPostID: "p:1"})
	assertIDs(t, got, []string{"p:2", "p:3"})
	if f.remote.callCount() != 0 {
		t.Fatalf("expected zero remote calls, got %d", f.remote.callCount())
	}
}

func TestCursorNearCacheEndFetchesFromLastCachedTimestamp(t *testing.T) {
	remote := &scriptedRemote{pages: [][]nexus.PostView{{post("p", "4", 70), post("p", "5", 60)}}}
	f := newFixture(t, remote)
	f.seedStream(t, "p:1", "p:2", "p:3")
	f.seedIndexedAt(t, "p:3", 80)

	got := f.app.GetOrFetchStreamSlice(context.Background(), SliceRequest{StreamID: testStream, Limit: 2, CursorPostID: "p:2"})
	assertIDs(t, got, []string{"p:3", "p:4"})
	if remote.callCount() != 1 || remote.calls[0].timestamp == nil || *remote.calls[0].timestamp != 80 {
		t.Fatalf("expected one fetch from timestamp 80, got %+v", remote.calls)
	}

	cached, _ := f.streams.Read(context.Background(), testStream)
	assertIDs(t, cached, []string{"p:1", "p:2", "p:3", "p:4", "p:5"})
}

func TestSuppliedCursorTimestampWins(t *testing.T) {
	remote := &scriptedRemote{pages: [][]nexus.PostView{{post("p", "4", 70)}}}
	f := newFixture(t, remote)
	f.seedStream(t, "p:1", "p:2")
	f.seedIndexedAt(t, "p:2", 80)

	f.app.GetOrFetchStreamSlice(context.Background(), SliceRequest{
		StreamID:        testStream,
		Limit:           2,
		CursorPostID:    "p:2",
		CursorTimestamp: int64Pointer(75),
	})
	if remote.callCount() != 1 || *remote.calls[0].timestamp != 75 {
		t.Fatalf("expected supplied timestamp to be used, got %+v", remote.calls)
	}
}

func TestEmptyRemotePageEndsStream(t *testing.T) {
	remote := &scriptedRemote{pages: [][]nexus.PostView{{}}}
	f := newFixture(t, remote)
	f.seedStream(t, "p:1", "p:2")

	slice, err := f.app.StreamSlice(context.Background(), SliceRequest{
		StreamID:        testStream,
		Limit:           2,
		CursorPostID:    "p:2",
		CursorTimestamp: int64Pointer(10),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slice.Done || len(slice.PostIDs) != 0 {
		t.Fatalf("expected end of stream, got %+v", slice)
	}
}

func TestAllDuplicatePageRetriesOnceFromOldestFetchedTimestamp(t *testing.T) {
	remote := &scriptedRemote{pages: [][]nexus.PostView{
		{post("a", "2", 100), post("a", "3", 90)},
		{post("a", "3", 90), post("a", "4", 80)},
	}}
	f := newFixture(t, remote)
	f.seedStream(t, "a:1", "a:2", "a:3")

	got := f.app.GetOrFetchStreamSlice(context.Background(), SliceRequest{
		StreamID:        testStream,
		Limit:           2,
		CursorPostID:    "a:3",
		CursorTimestamp: int64Pointer(100),
	})
	assertIDs(t, got, []string{"a:4"})
	if remote.callCount() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", remote.callCount())
	}
	if *remote.calls[1].timestamp != 90 {
		t.Fatalf("expected retry from the oldest fetched timestamp, got %d", *remote.calls[1].timestamp)
	}
}

func TestAllDuplicateRetryIgnoresUnparseableLeadingPost(t *testing.T) {
	remote := &scriptedRemote{pages: [][]nexus.PostView{
		{post("", "orphan", 95), post("a", "3", 90)},
		{post("a", "4", 80)},
	}}
	f := newFixture(t, remote)
	f.seedStream(t, "a:1", "a:2", "a:3")

	got := f.app.GetOrFetchStreamSlice(context.Background(), SliceRequest{
		StreamID:        testStream,
		Limit:           2,
		CursorPostID:    "a:3",
		CursorTimestamp: int64Pointer(100),
	})
	assertIDs(t, got, []string{"a:4"})
	if remote.callCount() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", remote.callCount())
	}
	if retry := remote.calls[1].timestamp; retry == nil || *retry != 90 {
		t.Fatalf("expected retry from the oldest parsed timestamp 90, got %v", retry)
	}
}

func TestAllDuplicateRetryGivesUpAfterOneAttempt(t *testing.T) {
	stale := []nexus.PostView{post("a", "2", 100), post("a", "3", 90)}
	remote := &scriptedRemote{pages: [][]nexus.PostView{stale, stale, stale}}
	f := newFixture(t, remote)
	f.seedStream(t, "a:1", "a:2", "a:3")

	slice, err := f.app.StreamSlice(context.Background(), SliceRequest{
		StreamID:        testStream,
		Limit:           2,
		CursorPostID:    "a:3",
		CursorTimestamp: int64Pointer(100),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slice.Done || len(slice.PostIDs) != 0 {
		t.Fatalf("expected exhausted stream, got %+v", slice)
	}
	if remote.callCount() != 2 {
		t.Fatalf("expected two fetches, got %d", remote.callCount())
	}
}

func TestUncachedCursorReturnsFetchedPage(t *testing.T) {
	remote := &scriptedRemote{pages: [][]nexus.PostView{{post("b", "9", 50), post("b", "8", 40), post("a", "1", 30)}}}
	f := newFixture(t, remote)
	f.seedStream(t, "a:1", "a:2")
	f.seedIndexedAt(t, "b:9", 50)

	got := f.app.GetOrFetchStreamSlice(context.Background(), SliceRequest{StreamID: testStream, Limit: 3, CursorPostID: "b:9"})
	assertIDs(t, got, []string{"b:8", "a:1"})
	if *remote.calls[0].timestamp != 50 {
		t.Fatalf("expected cursor timestamp lookup, got %d", *remote.calls[0].timestamp)
	}

	cached, _ := f.streams.Read(context.Background(), testStream)
	assertIDs(t, cached, []string{"a:1", "a:2", "b:8"})
}

func TestUncachedCursorWithoutTimestampReturnsEmpty(t *testing.T) {
	f := newFixture(t, &scriptedRemote{})
	f.seedStream(t, "a:1")

	req := SliceRequest{StreamID: testStream, Limit: 3, CursorPostID: "z:1"}
	if got := f.app.GetOrFetchStreamSlice(context.Background(), req); got == nil || len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
	if _, err := f.app.StreamSlice(context.Background(), req); !errors.Is(err, ErrCursorTimestampUnavailable) {
		t.Fatalf("expected unavailable timestamp error, got %v", err)
	}
	if f.remote.callCount() != 0 {
		t.Fatalf("expected no blind fetch, got %d calls", f.remote.callCount())
	}
}

func TestRemoteFailureCollapsesToEmptySlice(t *testing.T) {
	remote := &scriptedRemote{err: errors.New("indexer down")}
	f := newFixture(t, remote)

	got := f.app.GetOrFetchStreamSlice(context.Background(), SliceRequest{StreamID: testStream, Limit: 3})
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}

	slice, err := f.app.StreamSlice(context.Background(), SliceRequest{StreamID: testStream, Limit: 3})
	if err == nil || slice.Done {
		t.Fatalf("expected failure to stay distinguishable, got %+v %v", slice, err)
	}
}

func TestStreamSliceRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, &scriptedRemote{})
	if _, err := f.app.StreamSlice(context.Background(), SliceRequest{StreamID: testStream}); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("expected invalid limit, got %v", err)
	}
	if _, err := f.app.StreamSlice(context.Background(), SliceRequest{StreamID: "nope", Limit: 1}); err == nil {
		t.Fatalf("expected invalid stream id error")
	}
}

func TestPaginationNeverRepeatsPosts(t *testing.T) {
	dataset := descendingDataset(25)
	remote := &scriptedRemote{dataset: dataset}
	f := newFixture(t, remote)
	ctx := context.Background()

	seen := map[string]bool{}
	var ordered []string
	cursor := ""
	for page := 0; page < 20; page++ {
		got := f.app.GetOrFetchStreamSlice(ctx, SliceRequest{StreamID: testStream, Limit: 4, CursorPostID: cursor})
		if len(got) == 0 {
			break
		}
		for _, postID := range got {
			if seen[postID] {
				t.Fatalf("post %s served twice", postID)
			}
			seen[postID] = true
			ordered = append(ordered, postID)
		}
		cursor = got[len(got)-1]
	}

	if len(ordered) != len(dataset) {
		t.Fatalf("expected %d posts, got %d", len(dataset), len(ordered))
	}
	for index, view := range dataset {
		if ordered[index] != compositeID(view) {
			t.Fatalf("expected remote order at %d: want %s got %s", index, compositeID(view), ordered[index])
		}
	}

	calls := remote.callCount()
	replay := f.app.GetOrFetchStreamSlice(ctx, SliceRequest{StreamID: testStream, Limit: 4, CursorPostID: "pk-alice:0003"})
	assertIDs(t, replay, []string{"pk-alice:0004", "pk-alice:0005", "pk-alice:0006", "pk-alice:0007"})
	if remote.callCount() != calls {
		t.Fatalf("expected replayed page to come from cache")
	}
}
