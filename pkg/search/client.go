package search

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/rivalradar/pkg/presence"
)

// MaxResultsPerCall is the most results requested from the provider per call.
const MaxResultsPerCall = 10

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is one search issued to a provider.
type Request struct {
	Query  string
	Limit  int
	Locale string
}

// Provider performs a single search attempt against an external service.
type Provider interface {
	Name() string
	Search(ctx context.Context, req Request) ([]presence.Hit, error)
}

// Observer receives the outcome of each attempt and each logical search.
type Observer interface {
	ObserveAttempt(ok bool)
	ObserveSearch(ok bool)
}

// Config holds Search Client settings.
type Config struct {
	Locale      string
	MaxAttempts int
	// BackoffBase is multiplied by 2^attempt between attempts.
	BackoffBase time.Duration
}

// Client calls a Provider with retry and exponential backoff. A search that
// fails every attempt yields no hits instead of an error.
type Client struct {
	provider    Provider
	locale      string
	maxAttempts int
	backoffBase time.Duration
	observer    Observer
	sleep       func(ctx context.Context, d time.Duration) error
	log         zerolog.Logger
}

// NewClient creates a Search Client around provider.
func NewClient(provider Provider, cfg Config, observer Observer, log zerolog.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}
	return &Client{
		provider:    provider,
		locale:      cfg.Locale,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		observer:    observer,
		sleep:       sleepContext,
		log:         log.With().Str("component", "search").Str("provider", provider.Name()).Logger(),
	}
}

// Search requests up to min(maxResults, 10) hits for query.
func (c *Client) Search(ctx context.Context, query string, maxResults int) []presence.Hit {
	limit := maxResults
	if limit <= 0 || limit > MaxResultsPerCall {
		limit = MaxResultsPerCall
	}
	req := Request{Query: query, Limit: limit, Locale: c.locale}

	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var hits []presence.Hit
		hits, err = c.provider.Search(ctx, req)
		if c.observer != nil {
			c.observer.ObserveAttempt(err == nil)
		}
		if err == nil {
			if c.observer != nil {
				c.observer.ObserveSearch(true)
			}
			if len(hits) > limit {
				hits = hits[:limit]
			}
			return hits
		}

		if attempt == c.maxAttempts {
			break
		}

		backoff := c.backoff(attempt)
		c.log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("query", query).
			Msg("search failed, retrying")

		if err := c.sleep(ctx, backoff); err != nil {
			break
		}
	}

	if c.observer != nil {
		c.observer.ObserveSearch(false)
	}
	c.log.Error().Err(err).
		Int("attempts", c.maxAttempts).
		Str("query", query).
		Msg("search gave up, continuing with no results")
	return nil
}

// backoff returns BackoffBase * 2^attempt.
func (c *Client) backoff(attempt int) time.Duration {
	return c.backoffBase * time.Duration(1<<attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// statusError is returned by providers for non-2xx responses.
type statusError struct {
	provider string
	code     int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s status %d", e.provider, e.code)
}
