package hls

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/justchokingaround/vodpull/internal/httpclient"
)

// MaxAttempts is the default bound on tries per URL
const MaxAttempts = 3

// Fetcher retrieves the raw bytes behind one URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherConfig tunes HTTPFetcher
type FetcherConfig struct {
	// Attempts defaults to MaxAttempts
	Attempts   int
	Timeout    time.Duration
	RetryDelay time.Duration
	UserAgents []string
	Debug      bool
	Logger     *slog.Logger
}

// HTTPFetcher fetches over HTTP with bounded tries and a fixed delay
type HTTPFetcher struct {
	client *httpclient.Client
}

// NewHTTPFetcher creates a fetcher for manifests, keys and segments
func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = MaxAttempts
	}
	return &HTTPFetcher{
		client: httpclient.NewClient(httpclient.ClientConfig{
			Timeout:    cfg.Timeout,
			Attempts:   cfg.Attempts,
			RetryDelay: cfg.RetryDelay,
			UserAgents: cfg.UserAgents,
			Debug:      cfg.Debug,
			Logger:     cfg.Logger,
		}),
	}
}

// Fetch returns the body of url or the last failure once all attempts are spent
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := f.client.GetBytes(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return body, nil
}
