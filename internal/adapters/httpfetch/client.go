package httpfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/sdash/internal/domain"
	"github.com/bnema/sdash/internal/version"
)

const (
	maxResponseBytes = 8 << 20

	DefaultMaxRetries     = 3
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultRequestTimeout = 15 * time.Second

	backoffFactor = 1.5
	maxJitter     = 200 * time.Millisecond
)

// Client fetches JSON collections from the dashboard API. It holds no
// mutable state and is safe for concurrent use.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	maxRetries     int
	baseDelay      time.Duration
	requestTimeout time.Duration
	userAgent      string
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
	jitter         func() time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.baseDelay = d
		}
	}
}

// WithRequestTimeout bounds every single attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func withJitter(jitter func() time.Duration) Option {
	return func(c *Client) { c.jitter = jitter }
}

// New returns a client resolving root-relative endpoints against baseURL.
// An empty baseURL only allows absolute endpoints.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		httpClient:     &http.Client{},
		maxRetries:     DefaultMaxRetries,
		baseDelay:      DefaultBaseDelay,
		requestTimeout: DefaultRequestTimeout,
		userAgent:      "sdash/" + version.Version,
		logger:         slog.Default(),
		sleep:          sleepContext,
		jitter:         randomJitter,
	}

	if baseURL != "" {
		parsed, err := parseHTTPURL(baseURL)
		if err != nil {
			return nil, fmt.Errorf("api base url: %w", err)
		}
		c.baseURL = parsed
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Fetch GETs endpoint and returns its items, retrying transient failures
// with exponential backoff. The returned error is a *domain.FetchError.
func (c *Client) Fetch(ctx context.Context, endpoint string) ([]domain.Record, error) {
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, &domain.FetchError{Kind: domain.KindClient, URL: endpoint, Err: err}
	}

	attempts := c.maxRetries + 1
	delay := c.baseDelay
	var lastErr *domain.FetchError
	for attempt := 1; attempt <= attempts; attempt++ {
		items, fetchErr := c.attempt(ctx, target)
		if fetchErr == nil {
			if attempt > 1 {
				c.logger.Debug("fetch recovered", "url", target, "attempt", attempt)
			}
			return items, nil
		}
		fetchErr.Attempts = attempt
		lastErr = fetchErr

		if ctx.Err() != nil || !fetchErr.Retryable() || attempt == attempts {
			break
		}

		c.logger.Debug("fetch attempt failed, retrying",
			"url", target,
			"attempt", attempt,
			"kind", fetchErr.Kind,
			"status", fetchErr.Status,
			"delay", delay,
		)
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = &domain.FetchError{Kind: domain.KindNetwork, URL: target, Attempts: attempt, Err: err}
			break
		}
		delay = NextDelay(delay, c.jitter())
	}

	return nil, lastErr
}

// NextDelay grows a retry delay by 1.5x plus jitter.
func NextDelay(delay time.Duration, jitter time.Duration) time.Duration {
	return time.Duration(float64(delay)*backoffFactor) + jitter
}

func (c *Client) attempt(ctx context.Context, target string) ([]domain.Record, *domain.FetchError) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &domain.FetchError{Kind: domain.KindClient, URL: target, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, attemptCtx, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		kind := domain.KindClient
		if resp.StatusCode >= http.StatusInternalServerError {
			kind = domain.KindServer
		}
		return nil, &domain.FetchError{Kind: kind, URL: target, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	items, err := decodeItems(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, c.transportError(ctx, attemptCtx, target, err)
		}
		return nil, &domain.FetchError{Kind: domain.KindFormat, URL: target, Status: resp.StatusCode, Err: err}
	}

	return items, nil
}

func (c *Client) transportError(ctx, attemptCtx context.Context, target string, err error) *domain.FetchError {
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &domain.FetchError{Kind: domain.KindTimeout, URL: target, Err: fmt.Errorf("no response within %s: %w", c.requestTimeout, context.DeadlineExceeded)}
	}

	return &domain.FetchError{Kind: domain.KindNetwork, URL: target, Err: err}
}

func (c *Client) resolve(endpoint string) (string, error) {
	switch {
	case endpoint == "":
		return "", errors.New("endpoint is required")
	case strings.HasPrefix(endpoint, "/") && !strings.HasPrefix(endpoint, "//"):
		if c.baseURL == nil {
			return "", fmt.Errorf("root-relative endpoint %q needs an api base url", endpoint)
		}
		resolved, err := c.baseURL.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("parse endpoint: %w", err)
		}
		return resolved.String(), nil
	default:
		parsed, err := parseHTTPURL(endpoint)
		if err != nil {
			return "", err
		}
		return parsed.String(), nil
	}
}

func parseHTTPURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("url %q must use http or https", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}

	return parsed, nil
}

// decodeItems accepts a bare JSON array or an object with an items array.
func decodeItems(r io.Reader) ([]domain.Record, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	var raw json.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("response has trailing data after the JSON value")
	}

	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		return decodeArray(raw)
	case strings.HasPrefix(trimmed, "{"):
		var env struct {
			Items json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		if len(env.Items) == 0 || strings.TrimSpace(string(env.Items)) == "null" {
			return nil, errors.New("response object has no items array")
		}
		return decodeArray(env.Items)
	default:
		return nil, errors.New("response is neither an array nor an items envelope")
	}
}

func decodeArray(raw json.RawMessage) ([]domain.Record, error) {
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.UseNumber()

	items := []domain.Record{}
	if err := decoder.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	return items, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(maxJitter)))
}
