// Package httpclient is the fetch transport used by workers.
package httpclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
	"github.com/JakeFAU/rss-fetch-worker/internal/metrics"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "rss-fetch-worker/1.0"

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config configures the client.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// Limiter is optional.
	Limiter Limiter
}

// Client issues GET requests with resty. It is safe for concurrent use by
// all workers.
type Client struct {
	rc      *resty.Client
	limiter Limiter
}

var _ feed.HTTPClient = (*Client)(nil)

// New returns a Client.
func New(cfg Config) *Client {
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	rc := resty.New().
		SetHeader("User-Agent", ua).
		SetHeader("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/xml, */*")
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	return &Client{rc: rc, limiter: cfg.Limiter}
}

// Get fetches url. Any HTTP status is a response; only transport failures
// and rate limit cancellation are errors.
func (c *Client) Get(ctx context.Context, url string) (feed.HTTPResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return feed.HTTPResponse{}, err
		}
	}
	start := time.Now()
	resp, err := c.rc.R().SetContext(ctx).Get(url)
	if err != nil {
		metrics.ObserveFetch(url, 0, time.Since(start))
		return feed.HTTPResponse{}, fmt.Errorf("get %s: %w", url, err)
	}
	metrics.ObserveFetch(url, resp.StatusCode(), time.Since(start))
	return feed.HTTPResponse{StatusCode: resp.StatusCode(), Body: string(resp.Body())}, nil
}
