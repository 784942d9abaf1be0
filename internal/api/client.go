// Package api is the client of the remote content API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/justchokingaround/vodpull/internal/httpclient"
	"github.com/justchokingaround/vodpull/internal/metrics"
)

// SearchPageSize is the page size requested from the search endpoint
const SearchPageSize = 20

var (
	// ErrUpstream is returned when the API answers with a non-success code
	ErrUpstream = errors.New("upstream API error")
	// ErrMalformedResponse is returned when a response lacks required fields
	ErrMalformedResponse = errors.New("malformed API response")
)

// Config holds what the client needs to reach the API
type Config struct {
	APIBase  string
	PlayBase string
	Token    string
	Timeout  time.Duration
	// RequestsPerSecond paces calls, 0 disables pacing
	RequestsPerSecond float64
	UserAgents        []string
	Debug             bool
	Logger            *slog.Logger
}

// Client calls the content API. It never retries; a failed call is reported
// to the caller as is.
type Client struct {
	apiBase  string
	playBase string
	http     *httpclient.Client
	logger   *slog.Logger
}

// NewClient creates a new API client
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	headers := map[string]string{"Accept": "application/json"}
	if cfg.Token != "" {
		headers["x-token"] = cfg.Token
	}

	return &Client{
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		playBase: strings.TrimRight(cfg.PlayBase, "/"),
		http: httpclient.NewClient(httpclient.ClientConfig{
			Timeout:           cfg.Timeout,
			Attempts:          1,
			UserAgents:        cfg.UserAgents,
			Headers:           headers,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Debug:             cfg.Debug,
			Logger:            logger,
		}),
		logger: logger,
	}
}

// GetInfo fetches the title and labels of id
func (c *Client) GetInfo(ctx context.Context, id string) (*Info, error) {
	var resp envelope[infoData]
	if err := call(ctx, c, "info", "/api/vod/info", map[string]string{"id": id}, &resp); err != nil {
		return nil, fmt.Errorf("get info %s: %w", id, err)
	}

	title := resp.Data.Title
	if title == "" {
		title = resp.Data.VodName
	}
	if title == "" {
		return nil, fmt.Errorf("get info %s: %w: no title or vod_name", id, ErrMalformedResponse)
	}

	labels := make([]string, 0, len(resp.Data.Labels))
	for _, l := range resp.Data.Labels {
		if l != "" {
			labels = append(labels, string(l))
		}
	}
	return &Info{ID: id, Title: title, Labels: labels}, nil
}

// Search returns the ids on one page of results for keyword. An empty slice
// means there are no more pages.
func (c *Client) Search(ctx context.Context, keyword string, page int) ([]string, error) {
	params := map[string]string{
		"limit": strconv.Itoa(SearchPageSize),
		"page":  strconv.Itoa(page),
		"wd":    keyword,
	}
	var resp envelope[searchData]
	if err := call(ctx, c, "search", "/api/vod/clever", params, &resp); err != nil {
		return nil, fmt.Errorf("search %q page %d: %w", keyword, page, err)
	}

	ids := make([]string, 0, len(resp.Data.List))
	for _, item := range resp.Data.List {
		id := item.ID
		if id == "" {
			id = item.VodID
		}
		if id != "" {
			ids = append(ids, string(id))
		}
	}
	return ids, nil
}

// PlayURLs derives the manifest and fallback key URLs of id
func (c *Client) PlayURLs(id string) (manifestURL, keyURL string) {
	prefix := fmt.Sprintf("%s/play/%s/1/", c.playBase, id)
	return prefix + "newvod.plist.m3u8", prefix + "newvod.enc"
}

// call performs one request and validates the envelope
func call[T any](ctx context.Context, c *Client, endpoint, path string, params map[string]string, out *envelope[T]) error {
	err := c.http.GetJSON(ctx, c.apiBase+path, params, out)
	if err == nil {
		switch {
		case out.Code == nil:
			err = fmt.Errorf("%w: missing code", ErrMalformedResponse)
		case *out.Code != StatusOK:
			err = fmt.Errorf("%w: code %d: %s", ErrUpstream, *out.Code, out.Msg)
		case out.Data == nil:
			err = fmt.Errorf("%w: missing data", ErrMalformedResponse)
		}
	}

	outcome := metrics.OutcomeSucceeded
	if err != nil {
		outcome = metrics.OutcomeFailed
		c.logger.Debug("api call failed", "endpoint", endpoint, "error", err)
	}
	metrics.APIRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	return err
}
