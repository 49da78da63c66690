package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/version"
)

// Request defaults. deskwatch overrides them from the api config section.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultRetries      = 3
	DefaultRetryBackoff = time.Second

	// maxRetryDelay caps both the doubling backoff and a server's Retry-After.
	maxRetryDelay = 30 * time.Second
)

// Client reads tickets from the service desk REST API. Safe for concurrent use.
type Client struct {
	baseURL   string
	token     string
	userAgent string
	http      *http.Client
	logger    *slog.Logger

	retries      int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient returns a client for the API rooted at baseURL, authenticating
// with token as a bearer credential. An empty token sends no Authorization
// header.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		userAgent:    version.UserAgent(),
		http:         &http.Client{Timeout: DefaultTimeout},
		logger:       slog.Default(),
		retries:      DefaultRetries,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout bounds each HTTP round trip.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetries sets how many times a 429 or 5xx response is retried and the
// first retry delay, which doubles per attempt.
func WithRetries(attempts int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.retries = max(attempts, 0)
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client, for custom transports.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}
