// Package fetch is the transport layer that retrieves raw feed
// payloads over HTTP.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "bettergram-kang/1.0 feed reader"

	// Feeds should never be anywhere near this large; the cap keeps a
	// misbehaving endpoint from ballooning memory.
	maxPayloadBytes = 10 << 20
)

// Client fetches a URL's raw bytes. It performs no retries of its own;
// resilience comes from the caller re-issuing refreshes on its timer.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a feed transport client. A zero timeout uses the
// default.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves the payload at the URL. Any non-200 response is a
// fetch failure.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting feed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	return payload, nil
}
