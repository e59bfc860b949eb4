package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pubky/pubky-app-cache/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	notificationsPollerName   = "notifications"
	defaultNotificationsLimit = 50
)

// Routes on which notification polling is disabled.
var notificationsBlockedRoutes = []string{"/sign-in", "/onboarding", "/logout"}

var (
	errMissingNotificationFetcher = errors.New("notification fetcher is required")
	errMissingNotificationStore   = errors.New("notification store is required")
	errMissingViewer              = errors.New("viewer source is required")
)

// NotificationFetcher reads the newest notifications of a user from the indexer, down
// to since when it is positive.
type NotificationFetcher interface {
	FetchNotifications(ctx context.Context, pubky string, since int64, limit int) ([]models.NotificationEvent, error)
}

// NotificationStore persists notifications locally.
type NotificationStore interface {
	LatestTimestamp(ctx context.Context) (int64, error)
	SaveEvents(ctx context.Context, events []models.NotificationEvent) error
	Exists(ctx context.Context, id string) (bool, error)
}

// NotificationsPollerConfig describes the collaborators of a NotificationsPoller.
type NotificationsPollerConfig struct {
	Fetcher   NotificationFetcher
	Store     NotificationStore
	Viewer    ViewerSource
	Publisher Publisher
	Limit     int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// NotificationsPoller pulls notifications newer than the newest stored one.
type NotificationsPoller struct {
	fetcher   NotificationFetcher
	store     NotificationStore
	viewer    ViewerSource
	publisher Publisher
	limit     int
	clock     func() time.Time
	logger    *zap.Logger
	inflight  singleflight.Group
}

// NewNotificationsPoller validates cfg and builds the poller.
func NewNotificationsPoller(cfg NotificationsPollerConfig) (*NotificationsPoller, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingNotificationFetcher)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingNotificationStore)
	}
	if cfg.Viewer == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingViewer)
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultNotificationsLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationsPoller{
		fetcher:   cfg.Fetcher,
		store:     cfg.Store,
		viewer:    cfg.Viewer,
		publisher: cfg.Publisher,
		limit:     limit,
		clock:     clock,
		logger:    logger,
	}, nil
}

func (p *NotificationsPoller) Name() string {
	return notificationsPollerName
}

// IsRouteAllowed allows every route except the sign in, onboarding and logout flows.
func (p *NotificationsPoller) IsRouteAllowed(route string) bool {
	for _, blocked := range notificationsBlockedRoutes {
		if route == blocked || strings.HasPrefix(route, blocked+"/") {
			return false
		}
	}
	return true
}

// Poll fetches and stores new notifications. Overlapping calls for one user share a
// single fetch.
func (p *NotificationsPoller) Poll(ctx context.Context) error {
	pubky := p.viewer.ViewerID()
	if pubky == "" {
		return nil
	}
	_, err, _ := p.inflight.Do(pubky, func() (any, error) {
		return nil, p.pollUser(ctx, pubky)
	})
	return err
}

func (p *NotificationsPoller) pollUser(ctx context.Context, pubky string) error {
	latest, err := p.store.LatestTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("latest notification timestamp: %w", err)
	}
	events, err := p.fetcher.FetchNotifications(ctx, pubky, latest, p.limit)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}

	fresh, err := p.unseen(ctx, events, latest)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := p.store.SaveEvents(ctx, fresh); err != nil {
		return fmt.Errorf("save notifications: %w", err)
	}

	p.logger.Debug("notifications stored", zap.String("pubky", pubky), zap.Int("count", len(fresh)))
	if p.publisher != nil {
		p.publisher.Publish(Event{
			Kind:      EventNotifications,
			UserPubky: pubky,
			Count:     int64(len(fresh)),
			Timestamp: p.clock().UTC(),
		})
	}
	return nil
}

// unseen keeps events newer than latest plus events at latest that are not stored yet;
// several actors can share the newest timestamp.
func (p *NotificationsPoller) unseen(ctx context.Context, events []models.NotificationEvent, latest int64) ([]models.NotificationEvent, error) {
	fresh := make([]models.NotificationEvent, 0, len(events))
	for _, event := range events {
		if event.Body == nil || event.Timestamp < latest {
			continue
		}
		if event.Timestamp == latest {
			key := models.NotificationKey(event.Body.Type(), event.Timestamp, event.Body.Actor())
			stored, err := p.store.Exists(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("check stored notification: %w", err)
			}
			if stored {
				continue
			}
		}
		fresh = append(fresh, event)
	}
	return fresh, nil
}
