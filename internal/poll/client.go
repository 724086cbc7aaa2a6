// Package poll implements the on-demand status poll against the upstream
// charging-network provider.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"charge-status-backend/config"
	"charge-status-backend/internal/model"
)

// ErrNotFound is returned when the upstream does not know the station.
var ErrNotFound = errors.New("station not found upstream")

// RateLimitedError signals the upstream refused the poll. It carries the
// retry-after hint when the upstream provided one; 0 means "no hint, use
// the local default cooldown".
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("upstream rate limited, retry after %ds", e.RetryAfterSeconds)
	}
	return "upstream rate limited"
}

// UpstreamError carries the provider's error message verbatim; the engine
// surfaces it only when no cached data exists to fall back to.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: %s", e.Message)
}

// Result is a successful poll outcome.
type Result struct {
	Snapshot model.StationSnapshot
	// RefreshDispatched means the upstream kicked off a background refresh
	// whose outcome will arrive via the live-update channel — or not, which
	// is what the engine's fallback re-fetch window covers.
	RefreshDispatched bool
	RetryAfterSeconds int
}

// pollRequest is the wire request body.
type pollRequest struct {
	ExternalID string `json:"externalId"`
}

// pollResponse is the wire response envelope.
type pollResponse struct {
	Status   string                 `json:"status"`
	Error    string                 `json:"error"`
	Snapshot *model.StationSnapshot `json:"snapshot"`
	Meta     struct {
		RefreshDispatched bool `json:"refreshDispatched"`
		RetryAfterSeconds *int `json:"retryAfterSeconds"`
	} `json:"meta"`
}

// Client performs poll requests with the configured headers and timeout.
type Client struct {
	cfg    config.UpstreamConfig
	client *http.Client
}

// NewClient creates a poll client from the upstream config.
func NewClient(cfg config.UpstreamConfig) *Client {
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Poll requests the current status for one external station id.
func (c *Client) Poll(ctx context.Context, externalID string) (*Result, error) {
	jsonBody, err := json.Marshal(pollRequest{ExternalID: externalID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal poll request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusTooManyRequests, http.StatusForbidden:
		// The provider blocks over-eager pollers with 403 as readily as
		// with 429; both carry the same meaning here.
		return nil, &RateLimitedError{RetryAfterSeconds: retryAfter(resp, body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Message: fmt.Sprintf("unexpected status code %d", resp.StatusCode)}
	}

	var envelope pollResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal poll response: %w", err)
	}

	switch envelope.Status {
	case "ok":
		if envelope.Snapshot == nil {
			return nil, &UpstreamError{Message: "ok response without snapshot"}
		}
		result := &Result{
			Snapshot:          *envelope.Snapshot,
			RefreshDispatched: envelope.Meta.RefreshDispatched,
		}
		if envelope.Meta.RetryAfterSeconds != nil {
			result.RetryAfterSeconds = *envelope.Meta.RetryAfterSeconds
		}
		return result, nil
	case "rate_limited":
		seconds := 0
		if envelope.Meta.RetryAfterSeconds != nil {
			seconds = *envelope.Meta.RetryAfterSeconds
		}
		return nil, &RateLimitedError{RetryAfterSeconds: seconds}
	case "not_found":
		return nil, ErrNotFound
	default:
		msg := envelope.Error
		if msg == "" {
			msg = fmt.Sprintf("unrecognized status %q", envelope.Status)
		}
		return nil, &UpstreamError{Message: msg}
	}
}

// retryAfter extracts a retry hint from the response body or, failing
// that, the Retry-After header.
func retryAfter(resp *http.Response, body []byte) int {
	var envelope pollResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Meta.RetryAfterSeconds != nil {
		return *envelope.Meta.RetryAfterSeconds
	}
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			return secs
		}
	}
	return 0
}
