package coordinator

import (
	"context"
	"time"

	"github.com/pubky/pubky-app-cache/internal/auth"
)

// InactiveReason names the first gate that keeps a coordinator from polling.
type InactiveReason string

const (
	ReasonNone             InactiveReason = ""
	ReasonNotStarted       InactiveReason = "NOT_STARTED"
	ReasonNotAuthenticated InactiveReason = "NOT_AUTHENTICATED"
	ReasonNoProfile        InactiveReason = "NO_PROFILE"
	ReasonRouteDisabled    InactiveReason = "ROUTE_DISABLED"
	ReasonPageInactive     InactiveReason = "PAGE_INACTIVE"
	ReasonNoStream         InactiveReason = "NO_STREAM"
	ReasonManuallyStopped  InactiveReason = "MANUALLY_STOPPED"
)

// State is the lifecycle state of a coordinator.
type State string

const (
	StateStopped    State = "stopped"
	StateEvaluating State = "evaluating"
	StatePolling    State = "polling"
)

// Poller performs the periodic work of one coordinator.
type Poller interface {
	Name() string
	// Poll runs one cycle. Returned errors and panics are logged by the coordinator.
	Poll(ctx context.Context) error
	IsRouteAllowed(route string) bool
}

// ConditionChecker is implemented by pollers with gates of their own. It returns
// ReasonNone when polling may proceed.
type ConditionChecker interface {
	CheckConditions() InactiveReason
}

// AuthStore is the observable session state.
type AuthStore interface {
	State() auth.State
	Subscribe(listener auth.Listener) func()
}

// Visibility reports whether the UI page is in the foreground.
type Visibility interface {
	IsVisible() bool
	Subscribe(listener func(visible bool)) func()
}

// ViewerSource reports the signed in pubky, or "" when signed out.
type ViewerSource interface {
	ViewerID() string
}

// Publisher receives events produced by pollers.
type Publisher interface {
	Publish(event Event)
}

// EventKind discriminates poller events.
type EventKind string

const (
	EventNotifications EventKind = "notifications"
	EventStreamUpdates EventKind = "stream-updates"
)

// Event announces new local data written by a poller.
type Event struct {
	Kind      EventKind `json:"kind"`
	UserPubky string    `json:"user_pubky"`
	StreamID  string    `json:"stream_id,omitempty"`
	PostIDs   []string  `json:"post_ids,omitempty"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the runtime polling settings.
type Config struct {
	Interval          time.Duration
	PollOnStart       bool
	RespectVisibility bool
}

// ConfigPatch overrides the fields that are set.
type ConfigPatch struct {
	Interval          *time.Duration
	PollOnStart       *bool
	RespectVisibility *bool
}

// Status is a diagnostic snapshot of a coordinator.
type Status struct {
	Poller            string         `json:"poller"`
	State             State          `json:"state"`
	Polling           bool           `json:"polling"`
	ManuallyStarted   bool           `json:"manually_started"`
	Reason            InactiveReason `json:"inactive_reason,omitempty"`
	Route             string         `json:"route"`
	IntervalMs        int64          `json:"interval_ms"`
	PollOnStart       bool           `json:"poll_on_start"`
	RespectVisibility bool           `json:"respect_visibility"`
}
