package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/rivalradar/migrations"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunFinalized is returned when updating a run that is no longer running.
	ErrRunFinalized = errors.New("alert run already finalized")
)

// PresenceListOpts controls presence record listing.
type PresenceListOpts struct {
	AlertID    string
	Competitor string
	Since      time.Time
	Limit      int
}

// Store is the persistence interface.
type Store interface {
	CreateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListAlerts(ctx context.Context) ([]Alert, error)
	ListDueAlerts(ctx context.Context, now time.Time) ([]Alert, error)
	UpdateAlertSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error

	CreateAlertRun(ctx context.Context, r *AlertRun) error
	UpdateAlertRun(ctx context.Context, r *AlertRun) error
	GetAlertRun(ctx context.Context, id string) (*AlertRun, error)
	ListAlertRuns(ctx context.Context, alertID string, limit int) ([]AlertRun, error)

	CheckDuplicatePresence(ctx context.Context, dedupeKey, competitor string, since time.Time) (bool, error)
	CreatePresenceRecord(ctx context.Context, p *PresenceRecord) error
	ListPresenceRecords(ctx context.Context, opts PresenceListOpts) ([]PresenceRecord, error)

	GetQuotaUsage(ctx context.Context, month string, monthlyLimit int) (*QuotaUsage, error)
	UpdateQuotaUsage(ctx context.Context, month string, calls, monthlyLimit int) (*QuotaUsage, error)

	Close() error
}

// SQLStore implements Store on top of sqlite or postgres.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// New opens the database for driver ("sqlite" or "postgres") and runs migrations.
func New(driver, dsn string) (*SQLStore, error) {
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// A single connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	} else if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if err := migrations.Run(db.DB, driver); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the underlying handle for migration commands.
func (s *SQLStore) DB() *sql.DB {
	return s.db.DB
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateAlert(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.NextRunTime.IsZero() {
		a.NextRunTime = a.CreatedAt
	}
	competitorsJSON, err := json.Marshal(a.Competitors)
	if err != nil {
		return fmt.Errorf("encode competitors: %w", err)
	}
	platformsJSON, err := json.Marshal(a.Platforms)
	if err != nil {
		return fmt.Errorf("encode platforms: %w", err)
	}
	a.CompetitorsJSON = string(competitorsJSON)
	a.PlatformsJSON = string(platformsJSON)

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO alerts (id, name, competitors, platforms, frequency, max_results, dedupe_window_days,
			fuzzy_matching, notifications_enabled, notification_email, webhook_url, is_active,
			next_run_time, last_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.Name, a.CompetitorsJSON, a.PlatformsJSON, a.Frequency, a.MaxResults, a.DedupeWindowDays,
		a.FuzzyMatching, a.NotificationsEnabled, a.NotificationEmail, a.WebhookURL, a.IsActive,
		a.NextRunTime.UTC(), utcPtr(a.LastRun), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	var a Alert
	err := s.db.GetContext(ctx, &a, s.db.Rebind("SELECT * FROM alerts WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	if err := decodeAlert(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) ListAlerts(ctx context.Context) ([]Alert, error) {
	var alerts []Alert
	if err := s.db.SelectContext(ctx, &alerts, "SELECT * FROM alerts ORDER BY created_at"); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return decodeAlerts(alerts)
}

func (s *SQLStore) ListDueAlerts(ctx context.Context, now time.Time) ([]Alert, error) {
	var alerts []Alert
	err := s.db.SelectContext(ctx, &alerts, s.db.Rebind(
		"SELECT * FROM alerts WHERE is_active = ? AND next_run_time <= ? ORDER BY next_run_time"),
		true, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due alerts: %w", err)
	}
	return decodeAlerts(alerts)
}

func (s *SQLStore) UpdateAlertSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE alerts SET last_run = ?, next_run_time = ? WHERE id = ?"),
		lastRun.UTC(), nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("update alert schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update alert schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) CreateAlertRun(ctx context.Context, r *AlertRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO alert_runs (id, alert_id, status, start_time, end_time, api_calls_used, new_presences_found, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.AlertID, r.Status, r.StartTime.UTC(), utcPtr(r.EndTime), r.APICallsUsed, r.NewPresencesFound, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("create alert run for %s: %w", r.AlertID, err)
	}
	return nil
}

// UpdateAlertRun writes the run's mutable fields. Only running rows can change.
func (s *SQLStore) UpdateAlertRun(ctx context.Context, r *AlertRun) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE alert_runs SET status = ?, end_time = ?, api_calls_used = ?, new_presences_found = ?, error_message = ?
		WHERE id = ? AND status = ?
	`), r.Status, utcPtr(r.EndTime), r.APICallsUsed, r.NewPresencesFound, r.ErrorMessage, r.ID, RunRunning)
	if err != nil {
		return fmt.Errorf("update alert run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetAlertRun(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("update alert run %s: %w", r.ID, ErrRunFinalized)
	}
	return nil
}

func (s *SQLStore) GetAlertRun(ctx context.Context, id string) (*AlertRun, error) {
	var r AlertRun
	err := s.db.GetContext(ctx, &r, s.db.Rebind("SELECT * FROM alert_runs WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get alert run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert run %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLStore) ListAlertRuns(ctx context.Context, alertID string, limit int) ([]AlertRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []AlertRun
	err := s.db.SelectContext(ctx, &runs, s.db.Rebind(
		"SELECT * FROM alert_runs WHERE alert_id = ? ORDER BY start_time DESC LIMIT ?"), alertID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alert runs %s: %w", alertID, err)
	}
	return runs, nil
}

func (s *SQLStore) CheckDuplicatePresence(ctx context.Context, dedupeKey, competitor string, since time.Time) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(*) FROM presence_records
		WHERE dedupe_key = ? AND competitor_name = ? AND created_at >= ?
	`), dedupeKey, competitor, since.UTC())
	if err != nil {
		return false, fmt.Errorf("check duplicate %s: %w", dedupeKey, err)
	}
	return n > 0, nil
}

func (s *SQLStore) CreatePresenceRecord(ctx context.Context, p *PresenceRecord) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO presence_records (id, alert_id, run_id, competitor_name, platform, title, url, snippet,
			dedupe_key, detection_method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.AlertID, p.RunID, p.CompetitorName, p.Platform, p.Title, p.URL, p.Snippet,
		p.DedupeKey, p.DetectionMethod, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create presence record %s: %w", p.DedupeKey, err)
	}
	return nil
}

func (s *SQLStore) ListPresenceRecords(ctx context.Context, opts PresenceListOpts) ([]PresenceRecord, error) {
	query := "SELECT * FROM presence_records WHERE 1=1"
	var args []any

	if opts.AlertID != "" {
		query += " AND alert_id = ?"
		args = append(args, opts.AlertID)
	}
	if opts.Competitor != "" {
		query += " AND competitor_name = ?"
		args = append(args, opts.Competitor)
	}
	if !opts.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	query += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var records []PresenceRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list presence records: %w", err)
	}
	return records, nil
}

// GetQuotaUsage returns the month's usage, creating it with the full limit on first access.
func (s *SQLStore) GetQuotaUsage(ctx context.Context, month string, monthlyLimit int) (*QuotaUsage, error) {
	if err := s.ensureQuotaRow(ctx, month, monthlyLimit); err != nil {
		return nil, err
	}
	var q QuotaUsage
	if err := s.db.GetContext(ctx, &q, s.db.Rebind("SELECT * FROM quota_usage WHERE month = ?"), month); err != nil {
		return nil, fmt.Errorf("get quota %s: %w", month, err)
	}
	return &q, nil
}

// UpdateQuotaUsage adds calls to the month's total. Remaining calls never drop below zero.
func (s *SQLStore) UpdateQuotaUsage(ctx context.Context, month string, calls, monthlyLimit int) (*QuotaUsage, error) {
	if err := s.ensureQuotaRow(ctx, month, monthlyLimit); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE quota_usage SET
			total_api_calls = total_api_calls + ?,
			remaining_calls = CASE WHEN remaining_calls - ? < 0 THEN 0 ELSE remaining_calls - ? END,
			updated_at = ?
		WHERE month = ?
	`), calls, calls, calls, s.now(), month)
	if err != nil {
		return nil, fmt.Errorf("update quota %s: %w", month, err)
	}
	return s.GetQuotaUsage(ctx, month, monthlyLimit)
}

func (s *SQLStore) ensureQuotaRow(ctx context.Context, month string, monthlyLimit int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO quota_usage (month, total_api_calls, remaining_calls, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(month) DO NOTHING
	`), month, max(monthlyLimit, 0), s.now())
	if err != nil {
		return fmt.Errorf("init quota %s: %w", month, err)
	}
	return nil
}

func decodeAlert(a *Alert) error {
	if err := json.Unmarshal([]byte(a.CompetitorsJSON), &a.Competitors); err != nil {
		return fmt.Errorf("decode competitors for alert %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(a.PlatformsJSON), &a.Platforms); err != nil {
		return fmt.Errorf("decode platforms for alert %s: %w", a.ID, err)
	}
	return nil
}

func decodeAlerts(alerts []Alert) ([]Alert, error) {
	for i := range alerts {
		if err := decodeAlert(&alerts[i]); err != nil {
			return nil, err
		}
	}
	return alerts, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
