package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pubky/pubky-app-cache/internal/auth"
	"github.com/pubky/pubky-app-cache/internal/coordinator"
	"github.com/pubky/pubky-app-cache/internal/models"
	"github.com/pubky/pubky-app-cache/internal/poststream"
	"github.com/pubky/pubky-app-cache/internal/streams"
	"github.com/pubky/pubky-app-cache/internal/tagsearch"
	"go.uber.org/zap"
)

const (
	defaultSliceLimit        = 20
	maxSliceLimit            = 200
	defaultNotificationLimit = 50
	maxNotificationLimit     = 500
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSliceReader  = errors.New("stream slice dependency required")
	errMissingStore        = errors.New("model store dependency required")
	errMissingAuthStore    = errors.New("auth store dependency required")
	errMissingVisibility   = errors.New("page visibility dependency required")
	errMissingTagSuggester = errors.New("tag suggester dependency required")
	errMissingRealtime     = errors.New("realtime dispatcher dependency required")
)

// SliceReader serves stream pages.
type SliceReader interface {
	StreamSlice(ctx context.Context, req poststream.SliceRequest) (poststream.Slice, error)
}

// TagSuggester serves tag suggestions.
type TagSuggester interface {
	Suggest(ctx context.Context, prefix string) ([]string, error)
}

// PollingController is the lifecycle surface of one coordinator.
type PollingController interface {
	Name() string
	Start()
	Stop()
	SetRoute(route string)
	Configure(patch coordinator.ConfigPatch) error
	Reevaluate()
	Status() coordinator.Status
}

// StreamSelector switches the stream watched for new posts.
type StreamSelector interface {
	StreamID() string
	SetStreamID(streamID string) error
}

type Dependencies struct {
	Streams           SliceReader
	Store             *models.Store
	Auth              *auth.Store
	Visibility        *coordinator.PageVisibility
	Tags              TagSuggester
	Realtime          *RealtimeDispatcher
	Pollers           []PollingController
	HomeStream        StreamSelector
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the local HTTP API used by UI collaborators.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Streams == nil:
		return nil, errMissingSliceReader
	case deps.Store == nil:
		return nil, errMissingStore
	case deps.Auth == nil:
		return nil, errMissingAuthStore
	case deps.Visibility == nil:
		return nil, errMissingVisibility
	case deps.Tags == nil:
		return nil, errMissingTagSuggester
	case deps.Realtime == nil:
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		streams:    deps.Streams,
		store:      deps.Store,
		auth:       deps.Auth,
		visibility: deps.Visibility,
		tags:       deps.Tags,
		realtime:   deps.Realtime,
		pollers:    deps.Pollers,
		homeStream: deps.HomeStream,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/streams/:streamId/slice", handler.handleStreamSlice)
	router.GET("/posts/:postId/counts", handler.handleGetCounts)
	router.PATCH("/posts/:postId/counts", handler.handleUpdateCounts)
	router.GET("/notifications", handler.handleNotifications)
	router.GET("/notifications/events", handler.handleEventStream)
	router.POST("/session", handler.handleSignIn)
	router.DELETE("/session", handler.handleSignOut)
	router.POST("/session/route", handler.handleRoute)
	router.POST("/session/visibility", handler.handleVisibility)
	router.POST("/polling/start", handler.handlePollingStart)
	router.POST("/polling/stop", handler.handlePollingStop)
	router.PATCH("/polling/config", handler.handlePollingConfig)
	router.GET("/polling/status", handler.handlePollingStatus)
	if deps.HomeStream != nil {
		router.GET("/polling/stream", handler.handleGetHomeStream)
		router.POST("/polling/stream", handler.handleSetHomeStream)
	}
	router.GET("/tags/suggest", handler.handleTagSuggest)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	streams    SliceReader
	store      *models.Store
	auth       *auth.Store
	visibility *coordinator.PageVisibility
	tags       TagSuggester
	realtime   *RealtimeDispatcher
	pollers    []PollingController
	homeStream StreamSelector
	heartbeat  time.Duration
	logger     *zap.Logger
}

type sliceResponsePayload struct {
	StreamID string   `json:"stream_id"`
	PostIDs  []string `json:"post_ids"`
	Done     bool     `json:"done"`
}

func (h *httpHandler) handleStreamSlice(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultSliceLimit, maxSliceLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	request := poststream.SliceRequest{
		StreamID:     c.Param("streamId"),
		Limit:        limit,
		CursorPostID: c.Query("cursor"),
	}
	if raw := c.Query("cursor_ts"); raw != "" {
		timestamp, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor_ts"})
			return
		}
		request.CursorTimestamp = &timestamp
	}

	slice, err := h.streams.StreamSlice(c.Request.Context(), request)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, sliceResponsePayload{StreamID: request.StreamID, PostIDs: slice.PostIDs, Done: slice.Done})
	case errors.Is(err, streams.ErrInvalidStreamID), errors.Is(err, poststream.ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, poststream.ErrCursorTimestampUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "cursor_timestamp_unavailable"})
	default:
		h.logger.Warn("stream slice failed", zap.String("stream_id", request.StreamID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "slice_failed"})
	}
}

type countsPayload struct {
	PostID     string `json:"post_id"`
	Tags       uint32 `json:"tags"`
	UniqueTags uint32 `json:"unique_tags"`
	Replies    uint32 `json:"replies"`
	Reposts    uint32 `json:"reposts"`
}

func (h *httpHandler) handleGetCounts(c *gin.Context) {
	postID, ok := parsePostID(c)
	if !ok {
		return
	}
	h.respondCounts(c, postID)
}

func (h *httpHandler) handleUpdateCounts(c *gin.Context) {
	postID, ok := parsePostID(c)
	if !ok {
		return
	}
	var deltas map[string]int64
	if err := c.ShouldBindJSON(&deltas); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	changes := make(models.CountChanges, len(deltas))
	for field, delta := range deltas {
		changes[models.CountField(field)] = delta
	}

	err := h.store.Counts.UpdateCounts(c.Request.Context(), postID, changes)
	switch {
	case errors.Is(err, models.ErrUnknownCountField):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_count_field"})
		return
	case err != nil:
		h.logger.Error("failed to update post counts", zap.String("post_id", postID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	h.respondCounts(c, postID)
}

func (h *httpHandler) respondCounts(c *gin.Context, postID string) {
	counts, err := h.store.Counts.FindByID(c.Request.Context(), postID)
	if err != nil {
		h.logger.Error("failed to load post counts", zap.String("post_id", postID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if counts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, countsPayload{
		PostID:     counts.ID,
		Tags:       counts.Tags,
		UniqueTags: counts.UniqueTags,
		Replies:    counts.Replies,
		Reposts:    counts.Reposts,
	})
}

type notificationPayload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultNotificationLimit, maxNotificationLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	var (
		rows []models.Notification
		err  error
	)
	if notificationType := strings.TrimSpace(c.Query("type")); notificationType != "" {
		rows, err = h.store.Notifications.GetRecentByType(c.Request.Context(), models.NotificationType(notificationType), limit)
	} else {
		rows, err = h.store.Notifications.GetRecent(c.Request.Context(), limit)
	}
	if err != nil {
		h.logger.Error("failed to load notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	payload := make([]notificationPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, notificationPayload{ID: row.ID, Type: string(row.Type), Timestamp: row.Timestamp, Body: json.RawMessage(row.BodyJSON)})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": payload})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	pubky := h.auth.ViewerID()
	if pubky == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
		return
	}

	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx, pubky)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(string(event.Kind), event)
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": time.Now().UTC()})
			return true
		}
	})
}

type sessionRequestPayload struct {
	Pubky      string `json:"pubky"`
	HasProfile bool   `json:"has_profile"`
}

type sessionResponsePayload struct {
	Authenticated bool   `json:"authenticated"`
	HasProfile    bool   `json:"has_profile"`
	Pubky         string `json:"pubky"`
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Pubky) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.auth.SetSession(request.Pubky, request.HasProfile)
	h.respondSession(c)
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	h.auth.Clear()
	h.respondSession(c)
}

func (h *httpHandler) respondSession(c *gin.Context) {
	state := h.auth.State()
	c.JSON(http.StatusOK, sessionResponsePayload{
		Authenticated: state.Authenticated,
		HasProfile:    state.HasProfile,
		Pubky:         state.CurrentUserPubky,
	})
}

type routeRequestPayload struct {
	Route string `json:"route"`
}

func (h *httpHandler) handleRoute(c *gin.Context) {
	var request routeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	for _, poller := range h.pollers {
		poller.SetRoute(request.Route)
	}
	h.respondPollingStatus(c)
}

type visibilityRequestPayload struct {
	Visible *bool `json:"visible"`
}

func (h *httpHandler) handleVisibility(c *gin.Context) {
	var request visibilityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Visible == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.visibility.SetVisible(*request.Visible)
	h.respondPollingStatus(c)
}

func (h *httpHandler) handlePollingStart(c *gin.Context) {
	pollers, ok := h.selectPollers(c)
	if !ok {
		return
	}
	for _, poller := range pollers {
		poller.Start()
	}
	h.respondPollingStatus(c)
}

func (h *httpHandler) handlePollingStop(c *gin.Context) {
	pollers, ok := h.selectPollers(c)
	if !ok {
		return
	}
	for _, poller := range pollers {
		poller.Stop()
	}
	h.respondPollingStatus(c)
}

type pollingConfigPayload struct {
	IntervalMs        *int64 `json:"interval_ms"`
	PollOnStart       *bool  `json:"poll_on_start"`
	RespectVisibility *bool  `json:"respect_visibility"`
}

func (h *httpHandler) handlePollingConfig(c *gin.Context) {
	pollers, ok := h.selectPollers(c)
	if !ok {
		return
	}
	var request pollingConfigPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	patch := coordinator.ConfigPatch{PollOnStart: request.PollOnStart, RespectVisibility: request.RespectVisibility}
	if request.IntervalMs != nil {
		interval := time.Duration(*request.IntervalMs) * time.Millisecond
		patch.Interval = &interval
	}
	for _, poller := range pollers {
		if err := poller.Configure(patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config"})
			return
		}
	}
	h.respondPollingStatus(c)
}

type homeStreamPayload struct {
	StreamID string `json:"stream_id"`
}

func (h *httpHandler) handleGetHomeStream(c *gin.Context) {
	c.JSON(http.StatusOK, homeStreamPayload{StreamID: h.homeStream.StreamID()})
}

// handleSetHomeStream switches the watched stream; an empty id stops watching.
func (h *httpHandler) handleSetHomeStream(c *gin.Context) {
	var request homeStreamPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.homeStream.SetStreamID(request.StreamID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_stream_id"})
		return
	}
	for _, poller := range h.pollers {
		poller.Reevaluate()
	}
	h.respondPollingStatus(c)
}

func (h *httpHandler) handlePollingStatus(c *gin.Context) {
	h.respondPollingStatus(c)
}

func (h *httpHandler) respondPollingStatus(c *gin.Context) {
	statuses := make([]coordinator.Status, 0, len(h.pollers))
	for _, poller := range h.pollers {
		statuses = append(statuses, poller.Status())
	}
	c.JSON(http.StatusOK, gin.H{"pollers": statuses})
}

// selectPollers narrows the pollers to the one named by ?poller=, or all of them.
func (h *httpHandler) selectPollers(c *gin.Context) ([]PollingController, bool) {
	name := strings.TrimSpace(c.Query("poller"))
	if name == "" {
		return h.pollers, true
	}
	for _, poller := range h.pollers {
		if poller.Name() == name {
			return []PollingController{poller}, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown_poller"})
	return nil, false
}

func (h *httpHandler) handleTagSuggest(c *gin.Context) {
	labels, err := h.tags.Suggest(c.Request.Context(), c.Query("prefix"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"tags": labels})
	case errors.Is(err, tagsearch.ErrStaleRequest):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_request"})
	default:
		h.logger.Warn("tag suggestion failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "suggest_failed"})
	}
}

func parsePostID(c *gin.Context) (string, bool) {
	postID, err := models.ParseCompositePostID(c.Param("postId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_post_id"})
		return "", false
	}
	return postID.String(), true
}

func queryInt(c *gin.Context, key string, fallback, maximum int) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, false
	}
	return min(value, maximum), true
}
