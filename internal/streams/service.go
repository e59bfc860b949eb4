package streams

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pubky/pubky-app-cache/internal/models"
	"go.uber.org/zap"
)

const (
	opServiceNew = "streams.service.new"
	opRead       = "streams.read"
	opUpsert     = "streams.upsert"
	opAppend     = "streams.append"
	opDelete     = "streams.delete"
	fieldStream  = "stream_id"
)

var (
	errMissingModel = errors.New("post stream model is required")
	noOpLogger      = zap.NewNop()
)

// ServiceError reports a failing stream cache operation.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code of the failure.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ServiceConfig describes the dependencies of the local stream cache service.
type ServiceConfig struct {
	Model     *models.PostStreamModel
	CacheSize int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service keeps the ordered, duplicate-free post id list of each stream.
type Service struct {
	model  *models.PostStreamModel
	memo   *lru.Cache[string, []string]
	locks  sync.Map
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the stream cache service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Model == nil {
		return nil, newServiceError(opServiceNew, "missing_model", errMissingModel)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1
	}
	memo, err := lru.New[string, []string](size)
	if err != nil {
		return nil, newServiceError(opServiceNew, "memo_init_failed", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{model: cfg.Model, memo: memo, clock: clock, logger: logger}, nil
}

// Read returns the cached ids of streamID, or nil when the stream was never cached.
func (s *Service) Read(ctx context.Context, streamID string) ([]string, error) {
	if cached, ok := s.memo.Get(streamID); ok {
		return slices.Clone(cached), nil
	}
	postIDs, err := s.load(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(postIDs), nil
}

// Upsert replaces the cached ids of streamID. Repeated ids keep their first position.
func (s *Service) Upsert(ctx context.Context, streamID string, postIDs []string) error {
	unlock := s.lock(streamID)
	defer unlock()

	return s.store(ctx, opUpsert, streamID, dedupe(postIDs))
}

// Append adds the ids of postIDs not yet cached to the end of streamID and returns them
// in order. Concurrent appends to one stream are serialized.
func (s *Service) Append(ctx context.Context, streamID string, postIDs []string) ([]string, error) {
	unlock := s.lock(streamID)
	defer unlock()

	current, ok := s.memo.Get(streamID)
	if !ok {
		loaded, err := s.load(ctx, streamID)
		if err != nil {
			return nil, err
		}
		current = loaded
	}

	added := Difference(postIDs, current)
	if len(added) == 0 {
		return nil, nil
	}
	merged := make([]string, 0, len(current)+len(added))
	merged = append(merged, current...)
	merged = append(merged, added...)
	if err := s.store(ctx, opAppend, streamID, merged); err != nil {
		return nil, err
	}
	return slices.Clone(added), nil
}

// Delete drops streamID from the cache.
func (s *Service) Delete(ctx context.Context, streamID string) error {
	unlock := s.lock(streamID)
	defer unlock()

	if err := s.model.DeleteByID(ctx, streamID); err != nil {
		s.logError(opDelete, "delete_failed", err, streamID)
		return newServiceError(opDelete, "delete_failed", err)
	}
	s.memo.Remove(streamID)
	return nil
}

func (s *Service) load(ctx context.Context, streamID string) ([]string, error) {
	record, err := s.model.FindByID(ctx, streamID)
	if err != nil {
		s.logError(opRead, "query_failed", err, streamID)
		return nil, newServiceError(opRead, "query_failed", err)
	}
	if record == nil {
		return nil, nil
	}
	postIDs, err := record.PostIDs()
	if err != nil {
		s.logError(opRead, "decode_failed", err, streamID)
		return nil, newServiceError(opRead, "decode_failed", err)
	}
	s.memo.Add(streamID, postIDs)
	return postIDs, nil
}

func (s *Service) store(ctx context.Context, operation, streamID string, postIDs []string) error {
	record, err := models.NewPostStream(streamID, postIDs, s.clock().UTC().Unix())
	if err != nil {
		s.logError(operation, "encode_failed", err, streamID)
		return newServiceError(operation, "encode_failed", err)
	}
	if err := s.model.Upsert(ctx, record); err != nil {
		s.memo.Remove(streamID)
		s.logError(operation, "write_failed", err, streamID)
		return newServiceError(operation, "write_failed", err)
	}
	s.memo.Add(streamID, postIDs)
	return nil
}

func (s *Service) lock(streamID string) func() {
	value, _ := s.locks.LoadOrStore(streamID, &sync.Mutex{})
	mutex := value.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

func (s *Service) logError(operation, reason string, err error, streamID string) {
	s.logger.Error("stream cache error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldStream, streamID),
		zap.Error(err))
}

// Difference returns the ids of candidates absent from existing, deduplicated, in
// candidate order.
func Difference(candidates, existing []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(candidates))
	for _, postID := range existing {
		seen[postID] = struct{}{}
	}
	unique := make([]string, 0, len(candidates))
	for _, postID := range candidates {
		if _, ok := seen[postID]; ok {
			continue
		}
		seen[postID] = struct{}{}
		unique = append(unique, postID)
	}
	return unique
}

func dedupe(postIDs []string) []string {
	return Difference(postIDs, nil)
}
