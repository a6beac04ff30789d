// Package notify fans out new-presence notifications to email, webhooks and
// chat channels. Delivery is best-effort: callers log the joined error.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elonfeng/rivalradar/pkg/presence"
)

// ErrSkipped is returned by a Notifier that has no target for a notification.
var ErrSkipped = errors.New("notifier skipped")

const userAgent = "rivalradar-notifier/1.0 (+https://github.com/elonfeng/rivalradar)"

// HTTPClient is the subset of *http.Client used by the HTTP notifiers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func defaultClient(c HTTPClient) HTTPClient {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Targets are the per-alert delivery settings.
type Targets struct {
	Enabled    bool
	Email      string
	WebhookURL string
}

// Notification is the data sent to notification destinations. Only the
// tagged fields are part of the webhook payload.
type Notification struct {
	AlertID           string    `json:"alertId"`
	AlertName         string    `json:"alertName"`
	NewPresencesFound int       `json:"newPresencesFound"`
	Timestamp         time.Time `json:"timestamp"`

	RunID     string                   `json:"-"`
	Platforms []string                 `json:"-"`
	Presences []presence.ClassifiedHit `json:"-"`
	Targets   Targets                  `json:"-"`
}

// Notifier delivers notifications to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Observer is told the outcome of every attempted delivery.
type Observer interface {
	ObserveNotification(channel string, err error)
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
	observer  Observer
}

// NewManager creates a new notification manager.
func NewManager(notifiers []Notifier, observer Observer) *Manager {
	return &Manager{notifiers: notifiers, observer: observer}
}

// Names lists the registered notifiers.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Broadcast sends n to every notifier. One failure never stops the others.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		err := notifier.Send(ctx, n)
		if errors.Is(err, ErrSkipped) {
			continue
		}
		if m.observer != nil {
			m.observer.ObserveNotification(notifier.Name(), err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// topPresences returns at most limit presences for chat summaries.
func topPresences(n *Notification, limit int) []presence.ClassifiedHit {
	if len(n.Presences) < limit {
		limit = len(n.Presences)
	}
	return n.Presences[:limit]
}
