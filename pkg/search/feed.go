package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"

	"github.com/elonfeng/rivalradar/pkg/presence"
)

// DefaultFeedURL is a search endpoint that answers with RSS.
const DefaultFeedURL = "https://www.bing.com/search?format=rss&q={query}&count={count}&setlang={locale}"

// FeedProvider searches an endpoint that returns results as an RSS or Atom
// feed. The URL template may contain {query}, {count} and {locale}.
type FeedProvider struct {
	client   HTTPClient
	parser   *gofeed.Parser
	template string
}

// NewFeedProvider creates an RSS search provider.
func NewFeedProvider(client HTTPClient, template string, timeout time.Duration) *FeedProvider {
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if template == "" {
		template = DefaultFeedURL
	}
	return &FeedProvider{
		client:   client,
		parser:   gofeed.NewParser(),
		template: template,
	}
}

func (p *FeedProvider) Name() string { return "feed" }

func (p *FeedProvider) Search(ctx context.Context, req Request) ([]presence.Hit, error) {
	feedURL := strings.NewReplacer(
		"{query}", url.QueryEscape(req.Query),
		"{count}", strconv.Itoa(req.Limit),
		"{locale}", url.QueryEscape(req.Locale),
	).Replace(p.template)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "rivalradar/1.0")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{provider: "feed", code: resp.StatusCode}
	}

	feed, err := p.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var hits []presence.Hit
	for i, item := range feed.Items {
		if item.Link == "" {
			continue
		}
		hits = append(hits, presence.Hit{
			Title:    item.Title,
			URL:      item.Link,
			Snippet:  truncate(item.Description, 500),
			Position: i + 1,
		})
		if len(hits) == req.Limit {
			break
		}
	}
	return hits, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
