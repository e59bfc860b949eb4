package poststream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pubky/pubky-app-cache/internal/models"
	"github.com/pubky/pubky-app-cache/internal/nexus"
	"github.com/pubky/pubky-app-cache/internal/streams"
	"go.uber.org/zap"
)

const (
	opApplicationNew = "poststream.application.new"
	opStreamSlice    = "poststream.stream_slice"
	opPersistPosts   = "poststream.persist_posts"
)

var (
	// ErrInvalidLimit reports a non-positive page size.
	ErrInvalidLimit = errors.New("poststream: limit must be positive")
	// ErrCursorTimestampUnavailable reports a cursor whose remote timestamp cannot be resolved.
	ErrCursorTimestampUnavailable = errors.New("poststream: cursor timestamp unavailable")

	errMissingRemote  = errors.New("remote fetcher is required")
	errMissingDetails = errors.New("details lookup is required")
	errMissingStreams = errors.New("stream cache is required")
)

// RemoteFetcher reads pages of a stream from the indexer, newest first.
type RemoteFetcher interface {
	FetchStreamPosts(ctx context.Context, params nexus.FetchParams) ([]nexus.PostView, error)
}

// DetailsLookup resolves the indexed_at timestamp of a locally stored post.
type DetailsLookup interface {
	FindIndexedAt(ctx context.Context, id string) (int64, bool, error)
}

// StreamCache is the ordered, duplicate-free id list kept per stream.
type StreamCache interface {
	Read(ctx context.Context, streamID string) ([]string, error)
	Upsert(ctx context.Context, streamID string, postIDs []string) error
	Append(ctx context.Context, streamID string, postIDs []string) ([]string, error)
}

// ViewerSource reports the pubky of the signed in user, or "" when signed out.
type ViewerSource interface {
	ViewerID() string
}

// ApplicationError reports an invalid application configuration.
type ApplicationError struct {
	code string
	err  error
}

func (e *ApplicationError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ApplicationError) Unwrap() error {
	return e.err
}

// ApplicationConfig describes the collaborators of the pagination engine. Store is
// optional; when set every fetched post is written behind into the local tables.
type ApplicationConfig struct {
	Remote  RemoteFetcher
	Details DetailsLookup
	Streams StreamCache
	Store   *models.Store
	Viewer  ViewerSource
	Logger  *zap.Logger
}

// SliceRequest selects the page following CursorPostID, or the first page when the
// cursor is empty.
type SliceRequest struct {
	StreamID        string
	Limit           int
	CursorPostID    string
	CursorTimestamp *int64
}

// Slice is one page of post ids. Done marks a page that ended the stream.
type Slice struct {
	PostIDs []string
	Done    bool
}

// Application serves stream pages from the local cache and pulls older pages from the
// indexer when the cache runs out.
type Application struct {
	remote  RemoteFetcher
	details DetailsLookup
	streams StreamCache
	store   *models.Store
	viewer  ViewerSource
	logger  *zap.Logger
}

// NewApplication constructs the pagination engine.
func NewApplication(cfg ApplicationConfig) (*Application, error) {
	if cfg.Remote == nil {
		return nil, &ApplicationError{code: opApplicationNew + ".missing_remote", err: errMissingRemote}
	}
	if cfg.Details == nil {
		return nil, &ApplicationError{code: opApplicationNew + ".missing_details", err: errMissingDetails}
	}
	if cfg.Streams == nil {
		return nil, &ApplicationError{code: opApplicationNew + ".missing_streams", err: errMissingStreams}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Application{
		remote:  cfg.Remote,
		details: cfg.Details,
		streams: cfg.Streams,
		store:   cfg.Store,
		viewer:  cfg.Viewer,
		logger:  logger,
	}, nil
}

// GetOrFetchStreamSlice returns the page after the cursor. Failures are logged and
// reported as an empty page, the same result as the end of the stream.
func (a *Application) GetOrFetchStreamSlice(ctx context.Context, req SliceRequest) []string {
	slice, err := a.StreamSlice(ctx, req)
	if err != nil {
		a.logger.Error("stream slice failed",
			zap.String("operation", opStreamSlice),
			zap.String("stream_id", req.StreamID),
			zap.String("cursor", req.CursorPostID),
			zap.Int("limit", req.Limit),
			zap.Error(err))
		return []string{}
	}
	return slice.PostIDs
}

// StreamSlice returns the page after the cursor and keeps failures apart from the end
// of the stream.
func (a *Application) StreamSlice(ctx context.Context, req SliceRequest) (Slice, error) {
	slice, err := a.streamSlice(ctx, req)
	if err != nil {
		slicesServedTotal.WithLabelValues(sourceError).Inc()
		return Slice{PostIDs: []string{}}, err
	}
	if slice.PostIDs == nil {
		slice.PostIDs = []string{}
	}
	return slice, nil
}

func (a *Application) streamSlice(ctx context.Context, req SliceRequest) (Slice, error) {
	if req.Limit <= 0 {
		return Slice{}, ErrInvalidLimit
	}
	if _, err := streams.ParseStreamID(req.StreamID); err != nil {
		return Slice{}, err
	}
	cached, err := a.streams.Read(ctx, req.StreamID)
	if err != nil {
		return Slice{}, err
	}

	cursor := strings.TrimSpace(req.CursorPostID)
	if cursor == "" {
		return a.firstPage(ctx, req, cached)
	}
	index := slices.Index(cached, cursor)
	if index < 0 {
		return a.pageAfterUncachedCursor(ctx, req, cursor, cached)
	}
	start := index + 1
	if start+req.Limit <= len(cached) {
		return served(sourceCache, cached[start:start+req.Limit]), nil
	}
	return a.extendCachedStream(ctx, req, cached, start)
}

func (a *Application) firstPage(ctx context.Context, req SliceRequest, cached []string) (Slice, error) {
	if len(cached) > 0 {
		return served(sourceCache, cached[:min(req.Limit, len(cached))]), nil
	}
	postIDs, _, err := a.fetch(ctx, req, nil)
	if err != nil {
		return Slice{}, err
	}
	if len(postIDs) == 0 {
		return endOfStream(), nil
	}
	if err := a.streams.Upsert(ctx, req.StreamID, postIDs); err != nil {
		return Slice{}, err
	}
	return served(sourceRemote, streams.Difference(postIDs, nil)), nil
}

func (a *Application) extendCachedStream(ctx context.Context, req SliceRequest, cached []string, start int) (Slice, error) {
	timestamp, ok, err := a.resolveTimestamp(ctx, req.CursorTimestamp, cached[len(cached)-1])
	if err != nil {
		return Slice{}, err
	}
	if !ok {
		return Slice{}, fmt.Errorf("%w: last cached post %s", ErrCursorTimestampUnavailable, cached[len(cached)-1])
	}

	postIDs, oldest, err := a.fetch(ctx, req, &timestamp)
	if err != nil {
		return Slice{}, err
	}
	if len(postIDs) == 0 {
		return endOfStream(), nil
	}
	unique := streams.Difference(postIDs, cached)
	if len(unique) == 0 {
		duplicateRetriesTotal.Inc()
		a.logger.Debug("remote page held only cached posts, retrying further back",
			zap.String("stream_id", req.StreamID),
			zap.Int64("timestamp", timestamp),
			zap.Int64("retry_timestamp", oldest))
		postIDs, _, err = a.fetch(ctx, req, &oldest)
		if err != nil {
			return Slice{}, err
		}
		unique = streams.Difference(postIDs, cached)
		if len(unique) == 0 {
			return endOfStream(), nil
		}
	}

	if _, err := a.streams.Append(ctx, req.StreamID, unique); err != nil {
		return Slice{}, err
	}
	updated, err := a.streams.Read(ctx, req.StreamID)
	if err != nil {
		return Slice{}, err
	}
	end := min(start+req.Limit, len(updated))
	if start >= end {
		return endOfStream(), nil
	}
	return served(sourceRemote, updated[start:end]), nil
}

func (a *Application) pageAfterUncachedCursor(ctx context.Context, req SliceRequest, cursor string, cached []string) (Slice, error) {
	timestamp, ok, err := a.resolveTimestamp(ctx, req.CursorTimestamp, cursor)
	if err != nil {
		return Slice{}, err
	}
	if !ok {
		return Slice{}, fmt.Errorf("%w: cursor %s", ErrCursorTimestampUnavailable, cursor)
	}

	postIDs, _, err := a.fetch(ctx, req, &timestamp)
	if err != nil {
		return Slice{}, err
	}
	page := streams.Difference(postIDs, []string{cursor})
	if len(page) == 0 {
		return endOfStream(), nil
	}
	if unique := streams.Difference(page, cached); len(unique) > 0 {
		if _, err := a.streams.Append(ctx, req.StreamID, unique); err != nil {
			return Slice{}, err
		}
	}
	return served(sourceRemote, page), nil
}

func (a *Application) resolveTimestamp(ctx context.Context, supplied *int64, postID string) (int64, bool, error) {
	if supplied != nil {
		return *supplied, true, nil
	}
	return a.details.FindIndexedAt(ctx, postID)
}

// fetch returns the composite ids of one remote page and the oldest indexed_at in it.
func (a *Application) fetch(ctx context.Context, req SliceRequest, timestamp *int64) ([]string, int64, error) {
	params := nexus.FetchParams{StreamID: req.StreamID, Limit: req.Limit, Timestamp: timestamp}
	if a.viewer != nil {
		params.ViewerID = a.viewer.ViewerID()
	}
	posts, err := a.remote.FetchStreamPosts(ctx, params)
	if err != nil {
		return nil, 0, err
	}

	postIDs := make([]string, 0, len(posts))
	records := make([]nexus.LocalRecords, 0, len(posts))
	var oldest int64
	for _, post := range posts {
		record, err := post.Records()
		if err != nil {
			a.logger.Warn("skipping remote post",
				zap.String("stream_id", req.StreamID),
				zap.String("author", post.Details.Author),
				zap.String("post_id", post.Details.ID),
				zap.Error(err))
			continue
		}
		postIDs = append(postIDs, record.Details.ID)
		records = append(records, record)
		if len(postIDs) == 1 || post.Details.IndexedAt < oldest {
			oldest = post.Details.IndexedAt
		}
	}
	a.persistPosts(ctx, records)
	return postIDs, oldest, nil
}

// persistPosts writes fetched posts behind into the local tables. Failures are logged;
// the page is still served.
func (a *Application) persistPosts(ctx context.Context, records []nexus.LocalRecords) {
	if a.store == nil || len(records) == 0 {
		return
	}
	details := make([]models.PostDetails, 0, len(records))
	counts := make([]models.PostCounts, 0, len(records))
	relationships := make([]models.PostRelationships, 0, len(records))
	tags := make([]models.PostTags, 0, len(records))
	for _, record := range records {
		details = append(details, record.Details)
		counts = append(counts, record.Counts)
		relationships = append(relationships, record.Relationships)
		tags = append(tags, record.Tags)
	}

	err := errors.Join(
		a.store.Details.BulkSave(ctx, details),
		a.store.Counts.BulkSave(ctx, counts),
		a.store.Relationships.BulkSave(ctx, relationships),
		a.store.Tags.BulkSave(ctx, tags),
	)
	if err != nil {
		a.logger.Warn("write-behind of fetched posts failed",
			zap.String("operation", opPersistPosts),
			zap.Int("posts", len(records)),
			zap.Error(err))
	}
}

func served(source string, postIDs []string) Slice {
	slicesServedTotal.WithLabelValues(source).Inc()
	return Slice{PostIDs: slices.Clone(postIDs)}
}

func endOfStream() Slice {
	slicesServedTotal.WithLabelValues(sourceEnd).Inc()
	return Slice{PostIDs: []string{}, Done: true}
}
