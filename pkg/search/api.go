package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elonfeng/rivalradar/pkg/presence"
)

// DefaultAPIEndpoint is the web search API queried by APIProvider.
const DefaultAPIEndpoint = "https://google.serper.dev/search"

// APIProvider queries a JSON web search API.
type APIProvider struct {
	client   HTTPClient
	endpoint string
	apiKey   string
}

// NewAPIProvider creates a provider for endpoint. A nil client gets a default
// client with timeout.
func NewAPIProvider(client HTTPClient, endpoint, apiKey string, timeout time.Duration) *APIProvider {
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if endpoint == "" {
		endpoint = DefaultAPIEndpoint
	}
	return &APIProvider{client: client, endpoint: endpoint, apiKey: apiKey}
}

func (p *APIProvider) Name() string { return "api" }

type apiRequest struct {
	Query  string `json:"q"`
	Num    int    `json:"num"`
	Locale string `json:"hl,omitempty"`
}

type apiResponse struct {
	Organic []apiResult `json:"organic"`
}

type apiResult struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Snippet     string `json:"snippet"`
	DisplayLink string `json:"displayLink"`
	Position    int    `json:"position"`
}

func (p *APIProvider) Search(ctx context.Context, req Request) ([]presence.Hit, error) {
	body, err := json.Marshal(apiRequest{Query: req.Query, Num: req.Limit, Locale: req.Locale})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "rivalradar/1.0")
	if p.apiKey != "" {
		httpReq.Header.Set("X-API-KEY", p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{provider: "search api", code: resp.StatusCode}
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	hits := make([]presence.Hit, 0, len(out.Organic))
	for _, r := range out.Organic {
		if r.Link == "" {
			continue
		}
		hits = append(hits, presence.Hit{
			Title:      r.Title,
			URL:        r.Link,
			Snippet:    r.Snippet,
			DisplayURL: r.DisplayLink,
			Position:   r.Position,
		})
	}
	return hits, nil
}
