package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     HTTPClient
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(client HTTPClient, webhookURL string) *Discord {
	return &Discord{
		client:     defaultClient(client),
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var links []string
	for _, p := range topPresences(n, 5) {
		links = append(links, fmt.Sprintf("- [%s](%s) %s on %s", p.Title, p.URL, p.Competitor, p.Platform))
	}

	embed := map[string]any{
		"title":       fmt.Sprintf("%s: %d new mentions", n.AlertName, n.NewPresencesFound),
		"description": fmt.Sprintf("**Platforms:** %s\n\n%s", strings.Join(n.Platforms, ", "), strings.Join(links, "\n")),
		"color":       0xFF6600,
		"timestamp":   n.Timestamp.UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}
	return nil
}
