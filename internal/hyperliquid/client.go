// Package hyperliquid is a minimal client for the exchange /info endpoint.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Default configuration values.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 0
	DefaultRetryDelay = 250 * time.Millisecond
	maxErrorBody      = 512
)

// ErrMalformed marks a response body that does not match the expected schema.
var ErrMalformed = errors.New("malformed response")

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// InfoClient fetches account state from an /info endpoint.
type InfoClient interface {
	ClearinghouseState(ctx context.Context, user string) (*ClearinghouseState, error)
}

// HTTPClient implements InfoClient over HTTP.
type HTTPClient struct {
	endpoint   string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

var _ InfoClient = (*HTTPClient)(nil)

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets how many times 429 and 5xx responses are retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the delay between retries.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a client for endpoint, e.g. https://api.hyperliquid.xyz/info.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the configured URL.
func (c *HTTPClient) Endpoint() string {
	return c.endpoint
}

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// ClearinghouseState returns positions and margin summary for user.
func (c *HTTPClient) ClearinghouseState(ctx context.Context, user string) (*ClearinghouseState, error) {
	var state ClearinghouseState
	if err := c.post(ctx, infoRequest{Type: "clearinghouseState", User: user}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *HTTPClient) post(ctx context.Context, reqBody interface{}, result interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			lastErr = &StatusError{Code: resp.StatusCode, Body: truncate(respBody)}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode, Body: truncate(respBody)}
		}

		// The API answers unknown users with JSON null.
		if bytes.Equal(bytes.TrimSpace(respBody), []byte("null")) {
			return fmt.Errorf("%w: null body", ErrMalformed)
		}
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil
	}

	return lastErr
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
