package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pubky/pubky-app-cache/internal/nexus"
	"github.com/pubky/pubky-app-cache/internal/streams"
	"go.uber.org/zap"
)

const (
	streamUpdatesPollerName = "stream-updates"
	streamUpdatesRoute      = "/home"
	defaultHeadLimit        = 20
)

var (
	errMissingHeadFetcher = errors.New("stream head fetcher is required")
	errMissingStreamCache = errors.New("stream cache is required")
)

// StreamHeadFetcher reads the newest page of a stream.
type StreamHeadFetcher interface {
	FetchStreamPosts(ctx context.Context, params nexus.FetchParams) ([]nexus.PostView, error)
}

// StreamCache is the local ordered id list per stream.
type StreamCache interface {
	Read(ctx context.Context, streamID string) ([]string, error)
	Append(ctx context.Context, streamID string, postIDs []string) ([]string, error)
}

// StreamUpdatesPollerConfig describes the collaborators of a StreamUpdatesPoller.
type StreamUpdatesPollerConfig struct {
	Fetcher   StreamHeadFetcher
	Streams   StreamCache
	Viewer    ViewerSource
	Publisher Publisher
	StreamID  string
	Limit     int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// StreamUpdatesPoller collects posts published at the head of the home stream into
// its unread stream, leaving the stream itself untouched until the user reads them.
type StreamUpdatesPoller struct {
	fetcher   StreamHeadFetcher
	streams   StreamCache
	viewer    ViewerSource
	publisher Publisher
	limit     int
	clock     func() time.Time
	logger    *zap.Logger

	mu       sync.RWMutex
	streamID string
}

// NewStreamUpdatesPoller validates cfg and builds the poller.
func NewStreamUpdatesPoller(cfg StreamUpdatesPollerConfig) (*StreamUpdatesPoller, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingHeadFetcher)
	}
	if cfg.Streams == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingStreamCache)
	}
	if cfg.Viewer == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingViewer)
	}
	streamID := strings.TrimSpace(cfg.StreamID)
	if streamID != "" {
		if _, err := streams.ParseStreamID(streamID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, err)
		}
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultHeadLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamUpdatesPoller{
		fetcher:   cfg.Fetcher,
		streams:   cfg.Streams,
		viewer:    cfg.Viewer,
		publisher: cfg.Publisher,
		limit:     limit,
		clock:     clock,
		logger:    logger,
		streamID:  streamID,
	}, nil
}

func (p *StreamUpdatesPoller) Name() string {
	return streamUpdatesPollerName
}

func (p *StreamUpdatesPoller) IsRouteAllowed(route string) bool {
	return route == streamUpdatesRoute
}

// CheckConditions blocks polling until a stream is selected.
func (p *StreamUpdatesPoller) CheckConditions() InactiveReason {
	if p.StreamID() == "" {
		return ReasonNoStream
	}
	return ReasonNone
}

// StreamID returns the watched stream.
func (p *StreamUpdatesPoller) StreamID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.streamID
}

// SetStreamID switches the watched stream. An empty id stops watching. Callers
// re-evaluate the owning coordinator afterwards.
func (p *StreamUpdatesPoller) SetStreamID(streamID string) error {
	streamID = strings.TrimSpace(streamID)
	if streamID != "" {
		if _, err := streams.ParseStreamID(streamID); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.streamID = streamID
	p.mu.Unlock()
	return nil
}

// Poll fetches the head of the watched stream and appends unseen posts to its unread
// stream.
func (p *StreamUpdatesPoller) Poll(ctx context.Context) error {
	streamID := p.StreamID()
	if streamID == "" {
		return nil
	}
	viewerID := p.viewer.ViewerID()
	posts, err := p.fetcher.FetchStreamPosts(ctx, nexus.FetchParams{StreamID: streamID, Limit: p.limit, ViewerID: viewerID})
	if err != nil {
		return fmt.Errorf("fetch stream head: %w", err)
	}

	head := make([]string, 0, len(posts))
	for _, post := range posts {
		id, err := post.CompositeID()
		if err != nil {
			p.logger.Warn("skipping remote post", zap.String("stream_id", streamID), zap.Error(err))
			continue
		}
		head = append(head, id.String())
	}
	if len(head) == 0 {
		return nil
	}

	cached, err := p.streams.Read(ctx, streamID)
	if err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	unreadID := streams.UnreadStreamID(streamID)
	unread, err := p.streams.Read(ctx, unreadID)
	if err != nil {
		return fmt.Errorf("read unread stream: %w", err)
	}
	candidates := streams.Difference(head, slices.Concat(cached, unread))
	if len(candidates) == 0 {
		return nil
	}
	added, err := p.streams.Append(ctx, unreadID, candidates)
	if err != nil {
		return fmt.Errorf("append unread stream: %w", err)
	}
	if len(added) == 0 {
		return nil
	}

	p.logger.Debug("stream head updated", zap.String("stream_id", streamID), zap.Int("count", len(added)))
	if p.publisher != nil {
		p.publisher.Publish(Event{
			Kind:      EventStreamUpdates,
			UserPubky: viewerID,
			StreamID:  streamID,
			PostIDs:   added,
			Count:     int64(len(added)),
			Timestamp: p.clock().UTC(),
		})
	}
	return nil
}
