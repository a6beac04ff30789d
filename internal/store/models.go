package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/rivalradar/pkg/presence"
)

// Frequency is how often an alert runs.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Interval returns the time between runs, or 0 for an unknown frequency.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// RunStatus is the lifecycle state of an AlertRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Default alert settings applied by Normalize.
const (
	DefaultMaxResults       = 10
	DefaultDedupeWindowDays = 7
)

// Alert is a competitor monitoring configuration.
type Alert struct {
	ID                   string                `db:"id" json:"id" yaml:"id"`
	Name                 string                `db:"name" json:"name" yaml:"name"`
	Competitors          []presence.Competitor `db:"-" json:"competitors" yaml:"competitors"`
	Platforms            []string              `db:"-" json:"platforms" yaml:"platforms"`
	Frequency            Frequency             `db:"frequency" json:"frequency" yaml:"frequency"`
	MaxResults           int                   `db:"max_results" json:"max_results" yaml:"max_results"`
	DedupeWindowDays     int                   `db:"dedupe_window_days" json:"dedupe_window_days" yaml:"dedupe_window_days"`
	FuzzyMatching        bool                  `db:"fuzzy_matching" json:"fuzzy_matching" yaml:"fuzzy_matching"`
	NotificationsEnabled bool                  `db:"notifications_enabled" json:"notifications_enabled" yaml:"notifications_enabled"`
	NotificationEmail    string                `db:"notification_email" json:"notification_email" yaml:"notification_email"`
	WebhookURL           string                `db:"webhook_url" json:"webhook_url" yaml:"webhook_url"`
	IsActive             bool                  `db:"is_active" json:"is_active" yaml:"-"`
	NextRunTime          time.Time             `db:"next_run_time" json:"next_run_time" yaml:"-"`
	LastRun              *time.Time            `db:"last_run" json:"last_run,omitempty" yaml:"-"`
	CreatedAt            time.Time             `db:"created_at" json:"created_at" yaml:"-"`
	CompetitorsJSON      string                `db:"competitors" json:"-" yaml:"-"`
	PlatformsJSON        string                `db:"platforms" json:"-" yaml:"-"`
}

// Normalize fills defaults for unset optional fields.
func (a *Alert) Normalize() {
	a.Name = strings.TrimSpace(a.Name)
	if a.Frequency == "" {
		a.Frequency = FrequencyDaily
	}
	if a.MaxResults <= 0 {
		a.MaxResults = DefaultMaxResults
	}
	if a.DedupeWindowDays <= 0 {
		a.DedupeWindowDays = DefaultDedupeWindowDays
	}
}

// Validate checks that the alert can be executed.
func (a *Alert) Validate() error {
	var errs []error
	if a.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(a.Competitors) == 0 {
		errs = append(errs, errors.New("at least one competitor is required"))
	}
	for i, c := range a.Competitors {
		if strings.TrimSpace(c.CanonicalName) == "" {
			errs = append(errs, fmt.Errorf("competitor %d: canonical name is required", i))
		}
	}
	if len(a.Platforms) == 0 {
		errs = append(errs, errors.New("at least one platform is required"))
	}
	if a.Frequency.Interval() == 0 {
		errs = append(errs, fmt.Errorf("unknown frequency %q", a.Frequency))
	}
	return errors.Join(errs...)
}

// AlertRun records one execution of an alert's pipeline.
type AlertRun struct {
	ID                string     `db:"id" json:"id"`
	AlertID           string     `db:"alert_id" json:"alert_id"`
	Status            RunStatus  `db:"status" json:"status"`
	StartTime         time.Time  `db:"start_time" json:"start_time"`
	EndTime           *time.Time `db:"end_time" json:"end_time,omitempty"`
	APICallsUsed      int        `db:"api_calls_used" json:"api_calls_used"`
	NewPresencesFound int        `db:"new_presences_found" json:"new_presences_found"`
	ErrorMessage      string     `db:"error_message" json:"error_message,omitempty"`
}

// PresenceRecord is a stored, non-duplicate competitor mention.
type PresenceRecord struct {
	ID              string          `db:"id" json:"id"`
	AlertID         string          `db:"alert_id" json:"alert_id"`
	RunID           string          `db:"run_id" json:"run_id"`
	CompetitorName  string          `db:"competitor_name" json:"competitor_name"`
	Platform        string          `db:"platform" json:"platform"`
	Title           string          `db:"title" json:"title"`
	URL             string          `db:"url" json:"url"`
	Snippet         string          `db:"snippet" json:"snippet"`
	DedupeKey       string          `db:"dedupe_key" json:"dedupe_key"`
	DetectionMethod presence.Method `db:"detection_method" json:"detection_method"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// QuotaUsage tracks search provider calls for one calendar month.
type QuotaUsage struct {
	Month          string    `db:"month" json:"month"`
	TotalAPICalls  int       `db:"total_api_calls" json:"total_api_calls"`
	RemainingCalls int       `db:"remaining_calls" json:"remaining_calls"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
