package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// maxErrorBody bounds how much of a failed response is kept on APIError.
const maxErrorBody = 4 << 10

// APIError is a non-2xx response. Code and Message come from the service
// desk error body ({"error": "...", "code": "..."}) when it has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration // From the Retry-After header on 429/503
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("service desk api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("service desk api: %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if sent again.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsNotFound reports whether err wraps a 404 APIError.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// errorBody is the service desk's JSON error shape.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       body,
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		e.Message = eb.Error
		e.Code = eb.Code
	}
	return e
}

// parseRetryAfter accepts the delay-seconds form only.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryDelay)
}

// endpoint joins the base URL, path and query.
func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// roundTrip sends one GET and returns the body of a 2xx response.
func (c *Client) roundTrip(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, newAPIError(resp, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// retryDelay is retryBackoff doubled per attempt with up to 50% jitter, or
// the server's Retry-After when that is longer.
func (c *Client) retryDelay(attempt int, apiErr *APIError) time.Duration {
	base := c.retryBackoff
	if base <= 0 {
		base = time.Millisecond
	}
	delay := min(base<<min(attempt, 16), maxRetryDelay)
	delay += time.Duration(rand.Int64N(int64(delay)/2 + 1))
	if apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
	}
	return delay
}

// fetch GETs path and decodes the JSON response into out. 429 and 5xx
// responses are retried; anything else fails at once.
func (c *Client) fetch(ctx context.Context, path string, query url.Values, out any) error {
	target := c.endpoint(path, query)

	var body []byte
	for attempt := 0; ; attempt++ {
		var err error
		body, err = c.roundTrip(ctx, target)
		if err == nil {
			break
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return err
		}
		if attempt >= c.retries {
			return fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
		}

		delay := c.retryDelay(attempt, apiErr)
		c.logger.Debug("retrying service desk request",
			"path", path,
			"status", apiErr.StatusCode,
			"attempt", attempt+1,
			"delay", delay,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
