package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pubky/pubky-app-cache/internal/auth"
	"go.uber.org/zap"
)

var (
	ErrInvalidCoordinatorConfig = errors.New("coordinator: invalid config")
	ErrInvalidInterval          = errors.New("coordinator: interval must be positive")

	errMissingPoller = errors.New("poller is required")
	errMissingAuth   = errors.New("auth store is required")
)

// Options describes the collaborators of a Coordinator. Visibility and NewTicker are
// optional; without Visibility the page counts as visible.
type Options struct {
	Poller     Poller
	Auth       AuthStore
	Visibility Visibility
	Config     Config
	Route      string
	NewTicker  TickerFactory
	Logger     *zap.Logger
}

// Coordinator runs a Poller on an interval while every gate allows it: manual start,
// an authenticated session with a profile, an allowed route, page visibility and the
// poller's own conditions.
type Coordinator struct {
	mu              sync.Mutex
	poller          Poller
	checker         ConditionChecker
	auth            AuthStore
	newTicker       TickerFactory
	logger          *zap.Logger
	config          Config
	route           string
	visible         bool
	manuallyStarted bool
	state           State
	ticker          Ticker
	tickerDone      chan struct{}
	destroyed       bool
	unsubscribers   []func()
}

// New constructs a coordinator and subscribes it to auth and visibility changes.
func New(opts Options) (*Coordinator, error) {
	if opts.Poller == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingPoller)
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, errMissingAuth)
	}
	if opts.Config.Interval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorConfig, ErrInvalidInterval)
	}
	newTicker := opts.NewTicker
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		poller:    opts.Poller,
		auth:      opts.Auth,
		newTicker: newTicker,
		logger:    logger.With(zap.String("poller", opts.Poller.Name())),
		config:    opts.Config,
		route:     opts.Route,
		visible:   true,
		state:     StateStopped,
	}
	if checker, ok := opts.Poller.(ConditionChecker); ok {
		c.checker = checker
	}

	if opts.Visibility != nil {
		c.visible = opts.Visibility.IsVisible()
		c.unsubscribers = append(c.unsubscribers, opts.Visibility.Subscribe(c.handleVisibility))
	}
	c.unsubscribers = append(c.unsubscribers, opts.Auth.Subscribe(c.handleAuth))
	pollingActive.WithLabelValues(opts.Poller.Name()).Set(0)
	return c, nil
}

// Start marks the coordinator as manually started and begins polling if every gate
// allows it.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.manuallyStarted = true
	c.evaluateLocked()
}

// Stop clears the manual start and stops the interval. In-flight polls complete.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manuallyStarted = false
	if c.stopPollingLocked() {
		c.logger.Info("polling stopped", zap.String("reason", string(ReasonManuallyStopped)))
	}
	c.state = StateStopped
}

// SetRoute records the UI route and re-evaluates when it changed.
func (c *Coordinator) SetRoute(route string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.route == route {
		return
	}
	c.route = route
	c.evaluateLocked()
}

// Configure merges patch into the runtime config. A changed interval restarts a
// running interval without an immediate poll.
func (c *Coordinator) Configure(patch ConfigPatch) error {
	if patch.Interval != nil && *patch.Interval <= 0 {
		return ErrInvalidInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	intervalChanged := patch.Interval != nil && *patch.Interval != c.config.Interval
	if patch.Interval != nil {
		c.config.Interval = *patch.Interval
	}
	if patch.PollOnStart != nil {
		c.config.PollOnStart = *patch.PollOnStart
	}
	if patch.RespectVisibility != nil {
		c.config.RespectVisibility = *patch.RespectVisibility
	}

	if intervalChanged && c.ticker != nil {
		c.stopPollingLocked()
		c.startPollingLocked(false)
		c.logger.Info("polling interval changed", zap.Duration("interval", c.config.Interval))
	}
	c.evaluateLocked()
	return nil
}

// Reevaluate checks the gates again, for pollers whose own conditions changed.
func (c *Coordinator) Reevaluate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluateLocked()
}

// Destroy stops polling and drops the auth and visibility subscriptions. It is safe to
// call more than once; a destroyed coordinator never polls again.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.manuallyStarted = false
	c.stopPollingLocked()
	c.state = StateStopped
	unsubscribers := c.unsubscribers
	c.unsubscribers = nil
	c.mu.Unlock()

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
}

// ShouldPoll reports whether every gate currently allows polling.
func (c *Coordinator) ShouldPoll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inactiveReasonLocked() == ReasonNone
}

// InactiveReason returns the first gate that blocks polling. ReasonNone means the
// coordinator is polling; MANUALLY_STOPPED covers every other case.
func (c *Coordinator) InactiveReason() InactiveReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportedReasonLocked()
}

// IsPolling reports whether an interval is running.
func (c *Coordinator) IsPolling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker != nil
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Name returns the name of the wrapped poller.
func (c *Coordinator) Name() string {
	return c.poller.Name()
}

// Status returns a diagnostic snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Poller:            c.poller.Name(),
		State:             c.state,
		Polling:           c.ticker != nil,
		ManuallyStarted:   c.manuallyStarted,
		Reason:            c.reportedReasonLocked(),
		Route:             c.route,
		IntervalMs:        c.config.Interval.Milliseconds(),
		PollOnStart:       c.config.PollOnStart,
		RespectVisibility: c.config.RespectVisibility,
	}
}

func (c *Coordinator) handleAuth(state, prev auth.State) {
	if state.Authenticated == prev.Authenticated {
		return
	}
	c.Reevaluate()
}

func (c *Coordinator) handleVisibility(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visible = visible
	c.evaluateLocked()
}

func (c *Coordinator) evaluateLocked() {
	if c.destroyed {
		return
	}
	c.state = StateEvaluating
	reason := c.inactiveReasonLocked()
	if reason == ReasonNone {
		if c.ticker == nil {
			c.startPollingLocked(c.config.PollOnStart)
			c.logger.Info("polling started", zap.Duration("interval", c.config.Interval))
		}
		c.state = StatePolling
		return
	}
	if c.stopPollingLocked() {
		c.logger.Info("polling paused", zap.String("reason", string(reason)))
	}
	c.state = StateStopped
}

func (c *Coordinator) inactiveReasonLocked() InactiveReason {
	if !c.manuallyStarted {
		return ReasonNotStarted
	}
	session := c.auth.State()
	if !session.Authenticated {
		return ReasonNotAuthenticated
	}
	if !session.HasProfile {
		return ReasonNoProfile
	}
	if session.CurrentUserPubky == "" {
		return ReasonNotAuthenticated
	}
	if !c.poller.IsRouteAllowed(c.route) {
		return ReasonRouteDisabled
	}
	if c.config.RespectVisibility && !c.visible {
		return ReasonPageInactive
	}
	if c.checker != nil {
		if reason := c.checker.CheckConditions(); reason != ReasonNone {
			return reason
		}
	}
	return ReasonNone
}

func (c *Coordinator) reportedReasonLocked() InactiveReason {
	reason := c.inactiveReasonLocked()
	if reason != ReasonNone {
		return reason
	}
	if c.ticker != nil {
		return ReasonNone
	}
	return ReasonManuallyStopped
}

// startPollingLocked is a no-op while an interval is running.
func (c *Coordinator) startPollingLocked(pollNow bool) {
	if c.ticker != nil {
		return
	}
	ticker := c.newTicker(c.config.Interval)
	done := make(chan struct{})
	c.ticker = ticker
	c.tickerDone = done
	pollingActive.WithLabelValues(c.poller.Name()).Set(1)

	go c.run(ticker, done)
	if pollNow {
		c.spawnPoll()
	}
}

// stopPollingLocked reports whether an interval was running.
func (c *Coordinator) stopPollingLocked() bool {
	if c.ticker == nil {
		return false
	}
	close(c.tickerDone)
	c.ticker.Stop()
	c.ticker = nil
	c.tickerDone = nil
	pollingActive.WithLabelValues(c.poller.Name()).Set(0)
	return true
}

func (c *Coordinator) run(ticker Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			select {
			case <-done:
				return
			default:
			}
			c.spawnPoll()
		}
	}
}

// spawnPoll runs one poll cycle in its own goroutine. Cycles are not awaited and may
// overlap; stopping the coordinator does not cancel them.
func (c *Coordinator) spawnPoll() {
	go func() {
		name := c.poller.Name()
		defer func() {
			if recovered := recover(); recovered != nil {
				pollsTotal.WithLabelValues(name, outcomePanic).Inc()
				c.logger.Error("poll panicked", zap.Any("panic", recovered))
			}
		}()
		if err := c.poller.Poll(context.Background()); err != nil {
			pollsTotal.WithLabelValues(name, outcomeError).Inc()
			c.logger.Error("poll failed", zap.Error(err))
			return
		}
		pollsTotal.WithLabelValues(name, outcomeSuccess).Inc()
	}()
}
