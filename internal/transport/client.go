// Package transport delivers filtered records to the collector over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/kvrelay/internal/model"
	"github.com/tinytelemetry/kvrelay/internal/retry"
)

// ErrTransmission is wrapped by every failed Send outcome.
var ErrTransmission = errors.New("transport: transmission failed")

const RequestIDHeader = "X-Request-ID"

// Config for a Client. Endpoint is the full collector URL, e.g.
// http://localhost:8080/json.
type Config struct {
	Endpoint  string
	Timeout   time.Duration
	Retry     retry.Config
	UserAgent string
	Logger    zerolog.Logger

	// HTTPClient overrides the default client; Timeout still applies per attempt.
	HTTPClient *http.Client
}

// Client POSTs records as JSON. It is safe for concurrent use.
type Client struct {
	endpoint  string
	timeout   time.Duration
	retry     retry.Config
	userAgent string
	http      *http.Client
	logger    zerolog.Logger
}

// Outcome describes one Send. StatusCode is 0 when no response was received.
type Outcome struct {
	StatusCode int
	Attempts   int
	RequestID  string
	Err        error
}

// OK reports whether the collector acknowledged the record with a 2xx.
func (o Outcome) OK() bool { return o.Err == nil && o.StatusCode >= 200 && o.StatusCode < 300 }

// StatusError is returned when the collector answers outside 2xx.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: endpoint %q: scheme must be http or https", cfg.Endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("transport: endpoint %q: missing host", cfg.Endpoint)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = model.DefaultRequestTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "kvrelay"
	}

	return &Client{
		endpoint:  u.String(),
		timeout:   timeout,
		retry:     cfg.Retry,
		userAgent: ua,
		http:      hc,
		logger:    cfg.Logger,
	}, nil
}

// Endpoint returns the collector URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Send serializes rec and POSTs it to the collector. Server errors and
// network failures are retried per the client's retry config; 4xx replies
// and serialization failures are not.
func (c *Client) Send(ctx context.Context, rec *model.Record) Outcome {
	out := Outcome{RequestID: uuid.NewString()}

	body, err := json.Marshal(rec)
	if err != nil {
		out.Err = fmt.Errorf("%w: encode record: %w", ErrTransmission, err)
		return out
	}

	cfg := c.retry
	userHook := cfg.OnRetry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Str("request_id", out.RequestID).
			Str("file", rec.SourceFile()).
			Msg("retrying send")
		if userHook != nil {
			userHook(attempt, delay, err)
		}
	}

	err = retry.Do(ctx, cfg, func(attempt int) error {
		out.Attempts = attempt
		code, err := c.post(ctx, body, out.RequestID)
		out.StatusCode = code
		return err
	})
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", ErrTransmission, err)
	}
	return out
}

func (c *Client) post(ctx context.Context, body []byte, requestID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(RequestIDHeader, requestID)
	req.Close = true

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 500:
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	default:
		return resp.StatusCode, retry.Permanent(&StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}
}
