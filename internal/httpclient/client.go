// Package httpclient wraps resty with the retry, pacing and User-Agent policy
// shared by the manifest, segment, key and content API requests.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ErrStatus is returned when the final attempt answered with a non-2xx status.
var ErrStatus = errors.New("unexpected HTTP status")

// DefaultUserAgent is used when no pool is configured
const DefaultUserAgent = "okhttp/3.12.0"

// Client wraps resty.Client with bounded attempts and a fixed retry delay
type Client struct {
	resty      *resty.Client
	attempts   int
	retryDelay time.Duration
	timeout    time.Duration
	userAgents []string
	limiter    *rate.Limiter
	debug      bool
	logger     *slog.Logger
}

// ClientConfig holds configuration for the HTTP client
type ClientConfig struct {
	Timeout time.Duration
	// Attempts is the total number of tries per request, first one included.
	Attempts   int
	RetryDelay time.Duration
	// UserAgents is sampled per attempt.
	UserAgents []string
	Headers    map[string]string
	// RequestsPerSecond paces outgoing requests, 0 disables pacing.
	RequestsPerSecond float64
	Debug             bool
	Logger            *slog.Logger
}

// DefaultClientConfig returns sensible defaults for HTTP client
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    30 * time.Second,
		Attempts:   3,
		RetryDelay: time.Second,
		UserAgents: []string{DefaultUserAgent},
	}
}

// NewClient creates a new HTTP client with the given configuration
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Attempts <= 0 {
		config.Attempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if len(config.UserAgents) == 0 {
		config.UserAgents = []string{DefaultUserAgent}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	// Equal wait and max wait pin resty's backoff to a fixed delay.
	restyClient := resty.New().
		SetTimeout(config.Timeout).
		SetRetryCount(config.Attempts-1).
		SetRetryWaitTime(config.RetryDelay).
		SetRetryMaxWaitTime(config.RetryDelay).
		SetHeader("Accept-Encoding", "gzip").
		SetHeaders(config.Headers)

	// Any transport error or non-2xx answer is worth another attempt
	restyClient.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return !r.IsSuccess()
	})

	client := &Client{
		resty:      restyClient,
		attempts:   config.Attempts,
		retryDelay: config.RetryDelay,
		timeout:    config.Timeout,
		userAgents: config.UserAgents,
		debug:      config.Debug,
		logger:     config.Logger,
	}
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	// Runs once per attempt, so each retry gets a fresh User-Agent
	restyClient.OnBeforeRequest(func(c *resty.Client, r *resty.Request) error {
		if client.limiter != nil {
			if err := client.limiter.Wait(r.Context()); err != nil {
				return err
			}
		}
		r.SetHeader("User-Agent", client.pickUserAgent())
		if client.debug {
			client.logRequest(r)
		}
		return nil
	})
	if config.Debug {
		restyClient.OnAfterResponse(func(c *resty.Client, r *resty.Response) error {
			client.logResponse(r)
			return nil
		})
	}

	return client
}

// Get performs a GET request with context support
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*resty.Response, error) {
	req := c.resty.R().SetContext(ctx)

	for key, value := range headers {
		req.SetHeader(key, value)
	}

	resp, err := req.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET request failed for %s after %d attempt(s): %w", url, c.attempts, err)
	}

	if !resp.IsSuccess() {
		return resp, fmt.Errorf("%w %d for %s", ErrStatus, resp.StatusCode(), url)
	}

	return resp, nil
}

// GetBytes fetches url and returns the raw body
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.Get(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// GetJSON fetches url with query params and decodes the JSON body into out
func (c *Client) GetJSON(ctx context.Context, url string, params map[string]string, out any) error {
	req := c.resty.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParams(params)

	resp, err := req.Get(url)
	if err != nil {
		return fmt.Errorf("GET request failed for %s: %w", url, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w %d for %s", ErrStatus, resp.StatusCode(), url)
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// SetHeader sets a default header for all requests
func (c *Client) SetHeader(key, value string) {
	c.resty.SetHeader(key, value)
}

// GetTimeout returns the configured timeout
func (c *Client) GetTimeout() time.Duration {
	return c.timeout
}

// GetAttempts returns the configured attempt bound
func (c *Client) GetAttempts() int {
	return c.attempts
}

func (c *Client) pickUserAgent() string {
	return c.userAgents[rand.IntN(len(c.userAgents))]
}

// logRequest logs HTTP request details
func (c *Client) logRequest(r *resty.Request) {
	c.logger.Debug("HTTP Request",
		"method", r.Method,
		"url", r.URL,
		"attempt", r.Attempt,
		"user_agent", r.Header.Get("User-Agent"),
	)
}

// logResponse logs HTTP response details
func (c *Client) logResponse(r *resty.Response) {
	c.logger.Debug("HTTP Response",
		"status", r.StatusCode(),
		"url", r.Request.URL,
		"size", len(r.Body()),
		"time", r.Time(),
	)
}

// Pause waits a random duration in [lo, hi] to spread load on the origin.
// It returns early with the context error when ctx is done.
func Pause(ctx context.Context, lo, hi time.Duration) error {
	if hi < lo {
		hi = lo
	}
	d := lo
	if hi > lo {
		d += rand.N(hi - lo + 1)
	}
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
