// Package quota gates search provider calls against a monthly budget.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/rivalradar/internal/store"
)

// ErrExceeded is returned by Admit when no calls remain this month.
var ErrExceeded = errors.New("monthly search quota exceeded")

// DefaultMonthlyLimit is used when no limit is configured.
const DefaultMonthlyLimit = 2500

// Store is the subset of the persistence gateway the manager needs.
type Store interface {
	GetQuotaUsage(ctx context.Context, month string, monthlyLimit int) (*store.QuotaUsage, error)
	UpdateQuotaUsage(ctx context.Context, month string, calls, monthlyLimit int) (*store.QuotaUsage, error)
}

// Observer receives the remaining budget after every read or write.
type Observer interface {
	SetQuotaRemaining(n int)
}

// Budget is the admission snapshot taken at the start of an execution.
type Budget struct {
	Month     string
	Remaining int
}

// Manager tracks monthly usage.
type Manager struct {
	store    Store
	limit    int
	observer Observer
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a Manager. A non-positive limit falls back to DefaultMonthlyLimit.
func New(s Store, monthlyLimit int, observer Observer, log zerolog.Logger) *Manager {
	if monthlyLimit <= 0 {
		monthlyLimit = DefaultMonthlyLimit
	}
	return &Manager{
		store:    s,
		limit:    monthlyLimit,
		observer: observer,
		log:      log.With().Str("component", "quota").Logger(),
		now:      time.Now,
	}
}

// Month formats t as the quota key (YYYY-MM, UTC).
func Month(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Admit reads the current month's budget. It returns ErrExceeded when nothing remains.
func (m *Manager) Admit(ctx context.Context) (Budget, error) {
	month := Month(m.now())
	usage, err := m.store.GetQuotaUsage(ctx, month, m.limit)
	if err != nil {
		return Budget{}, fmt.Errorf("read quota: %w", err)
	}
	m.observe(usage.RemainingCalls)

	b := Budget{Month: month, Remaining: usage.RemainingCalls}
	if b.Remaining <= 0 {
		return b, fmt.Errorf("%w: %d calls used in %s", ErrExceeded, usage.TotalAPICalls, month)
	}
	return b, nil
}

// Record charges calls to the budget's month.
func (m *Manager) Record(ctx context.Context, b Budget, calls int) error {
	if calls <= 0 {
		return nil
	}
	usage, err := m.store.UpdateQuotaUsage(ctx, b.Month, calls, m.limit)
	if err != nil {
		return fmt.Errorf("record quota: %w", err)
	}
	m.observe(usage.RemainingCalls)
	m.log.Debug().
		Str("month", b.Month).
		Int("calls", calls).
		Int("remaining", usage.RemainingCalls).
		Msg("quota updated")
	return nil
}

// Usage returns the current month's record.
func (m *Manager) Usage(ctx context.Context) (*store.QuotaUsage, error) {
	usage, err := m.store.GetQuotaUsage(ctx, Month(m.now()), m.limit)
	if err != nil {
		return nil, fmt.Errorf("read quota: %w", err)
	}
	m.observe(usage.RemainingCalls)
	return usage, nil
}

// Limit returns the configured monthly limit.
func (m *Manager) Limit() int { return m.limit }

func (m *Manager) observe(remaining int) {
	if m.observer != nil {
		m.observer.SetQuotaRemaining(remaining)
	}
}
