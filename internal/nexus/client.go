package nexus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pubky/pubky-app-cache/internal/models"
	"github.com/pubky/pubky-app-cache/internal/streams"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultTimeout           = 15 * time.Second
	defaultRequestsPerSecond = 10
	maxErrorBodyBytes        = 512

	pathStreamPosts   = "/v0/stream/posts"
	pathNotifications = "/v0/user/%s/notifications"
	pathTagsByPrefix  = "/v0/search/tags/by_prefix/%s"

	endpointStreamPosts   = "stream_posts"
	endpointNotifications = "notifications"
	endpointTagsByPrefix  = "tags_by_prefix"
)

var (
	ErrInvalidClientConfig = errors.New("nexus: invalid client config")
	// ErrUnexpectedStatus reports a non-200 Nexus response.
	ErrUnexpectedStatus = errors.New("nexus: unexpected response status")

	errMissingBaseURL  = errors.New("base url configuration required")
	errMissingViewer   = errors.New("stream requires a viewer pubky")
	errMissingPubky    = errors.New("pubky must not be empty")
	errMissingPrefix   = errors.New("tag prefix must not be empty")
	errNonPositiveRate = errors.New("requests per second must be positive")
)

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL           string
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond int
	Logger            *zap.Logger
}

// Client reads posts, notifications and tag suggestions from a Nexus indexer.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    ratelimit.Limiter
	logger     *zap.Logger
}

// NewClient constructs a Nexus client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawBaseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawBaseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	baseURL, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}

	rate := cfg.RequestsPerSecond
	if rate == 0 {
		rate = defaultRequestsPerSecond
	}
	if rate < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errNonPositiveRate)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    ratelimit.New(rate, ratelimit.WithoutSlack),
		logger:     logger,
	}, nil
}

// FetchStreamPosts returns one page of the stream, newest first.
func (c *Client) FetchStreamPosts(ctx context.Context, params FetchParams) ([]PostView, error) {
	streamID, err := streams.ParseStreamID(params.StreamID)
	if err != nil {
		return nil, err
	}
	query, err := streamQuery(streamID, params)
	if err != nil {
		return nil, err
	}

	var posts []PostView
	if err := c.getJSON(ctx, endpointStreamPosts, pathStreamPosts, query, &posts); err != nil {
		return nil, err
	}
	if posts == nil {
		posts = []PostView{}
	}
	return posts, nil
}

// FetchNotifications returns the newest notifications of pubky, stopping at since when
// it is positive. Nexus pages newest first: start bounds a page from above and end from
// below, so since travels as end. Items of an unknown type are skipped.
func (c *Client) FetchNotifications(ctx context.Context, pubky string, since int64, limit int) ([]models.NotificationEvent, error) {
	pubky = strings.TrimSpace(pubky)
	if pubky == "" {
		return nil, errMissingPubky
	}
	query := url.Values{}
	if since > 0 {
		query.Set("end", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var items []json.RawMessage
	path := fmt.Sprintf(pathNotifications, url.PathEscape(pubky))
	if err := c.getJSON(ctx, endpointNotifications, path, query, &items); err != nil {
		return nil, err
	}

	events := make([]models.NotificationEvent, 0, len(items))
	for _, item := range items {
		var event models.NotificationEvent
		if err := json.Unmarshal(item, &event); err != nil {
			c.logger.Warn("skipping notification",
				zap.String("pubky", pubky),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// SearchTagsByPrefix returns tag labels starting with prefix.
func (c *Client) SearchTagsByPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, errMissingPrefix
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var labels []string
	path := fmt.Sprintf(pathTagsByPrefix, url.PathEscape(prefix))
	if err := c.getJSON(ctx, endpointTagsByPrefix, path, query, &labels); err != nil {
		return nil, err
	}
	if labels == nil {
		labels = []string{}
	}
	return labels, nil
}

func streamQuery(streamID streams.StreamID, params FetchParams) (url.Values, error) {
	query := url.Values{}
	query.Set("sorting", string(streamID.Sorting()))
	query.Set("source", string(streamID.Source()))
	if streamID.Kind() != streams.KindAll {
		query.Set("kind", string(streamID.Kind()))
	}
	if authorID := streamID.AuthorID(); authorID != "" {
		query.Set("author_id", authorID)
	}
	if postID := streamID.PostID(); postID != "" {
		query.Set("post_id", postID)
	}

	viewerID := strings.TrimSpace(params.ViewerID)
	if streamID.RequiresObserver() {
		if viewerID == "" {
			return nil, fmt.Errorf("%s: %w", streamID.String(), errMissingViewer)
		}
		query.Set("observer_id", viewerID)
	}
	if viewerID != "" {
		query.Set("viewer_id", viewerID)
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Timestamp != nil {
		query.Set("start", strconv.FormatInt(*params.Timestamp, 10))
	}
	return query, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, target any) error {
	requestURL := c.baseURL.JoinPath(path)
	requestURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	c.limiter.Take()
	started := time.Now()
	err = c.do(req, target)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		c.logger.Warn("nexus request failed",
			zap.String("endpoint", endpoint),
			zap.String("url", requestURL.String()),
			zap.Error(err))
		return err
	}
	requestsTotal.WithLabelValues(endpoint, "success").Inc()
	return nil
}

func (c *Client) do(req *http.Request, target any) error {
	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNoContent {
		return nil
	}
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, response.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(response.Body).Decode(target)
}
