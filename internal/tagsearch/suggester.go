package tagsearch

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	defaultLimit     = 10
	defaultCacheSize = 128
	defaultCacheTTL  = time.Minute
)

var (
	// ErrStaleRequest reports a response overtaken by a newer request.
	ErrStaleRequest = errors.New("tagsearch: stale request")

	errMissingSearcher = errors.New("tagsearch: searcher is required")
)

// Searcher looks up tag labels by prefix.
type Searcher interface {
	SearchTagsByPrefix(ctx context.Context, prefix string, limit int) ([]string, error)
}

// Config describes a Suggester.
type Config struct {
	Searcher  Searcher
	Limit     int
	CacheSize int
	CacheTTL  time.Duration
	Logger    *zap.Logger
}

// Suggester serves tag suggestions for a single input. Only the latest request wins;
// earlier responses that arrive later are dropped.
type Suggester struct {
	searcher Searcher
	limit    int
	cache    *expirable.LRU[string, []string]
	latest   atomic.Uint64
	logger   *zap.Logger
}

// NewSuggester validates cfg and builds the suggester.
func NewSuggester(cfg Config) (*Suggester, error) {
	if cfg.Searcher == nil {
		return nil, errMissingSearcher
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suggester{
		searcher: cfg.Searcher,
		limit:    limit,
		cache:    expirable.NewLRU[string, []string](size, nil, ttl),
		logger:   logger,
	}, nil
}

// Suggest returns labels starting with prefix. It fails with ErrStaleRequest when a
// newer call started before this one finished.
func (s *Suggester) Suggest(ctx context.Context, prefix string) ([]string, error) {
	requestID := s.latest.Add(1)
	normalized := strings.ToLower(strings.TrimSpace(prefix))
	if normalized == "" {
		return []string{}, nil
	}

	labels, ok := s.cache.Get(normalized)
	if !ok {
		fetched, err := s.searcher.SearchTagsByPrefix(ctx, normalized, s.limit)
		if s.latest.Load() != requestID {
			s.logger.Debug("dropping stale tag suggestions", zap.String("prefix", normalized))
			return nil, ErrStaleRequest
		}
		if err != nil {
			return nil, err
		}
		labels = fetched
		s.cache.Add(normalized, labels)
	}
	if s.latest.Load() != requestID {
		return nil, ErrStaleRequest
	}
	return slices.Clone(labels), nil
}
