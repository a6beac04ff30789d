//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/elonfeng/rivalradar/pkg/presence"
)

type PostgresStoreSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	store     *SQLStore
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("rivalradar"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	st, err := New("postgres", dsn)
	s.Require().NoError(err)
	s.store = st
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) TestAlertLifecycle() {
	now := time.Now().UTC().Truncate(time.Second)

	a := &Alert{
		Name:             "pg alert",
		Competitors:      []presence.Competitor{{CanonicalName: "Acme"}},
		Platforms:        []string{"reddit"},
		Frequency:        FrequencyHourly,
		MaxResults:       5,
		DedupeWindowDays: 7,
		IsActive:         true,
		NextRunTime:      now.Add(-time.Minute),
	}
	s.Require().NoError(s.store.CreateAlert(s.ctx, a))

	due, err := s.store.ListDueAlerts(s.ctx, now)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal("Acme", due[0].Competitors[0].CanonicalName)

	r := &AlertRun{AlertID: a.ID, Status: RunRunning, StartTime: now}
	s.Require().NoError(s.store.CreateAlertRun(s.ctx, r))

	rec := &PresenceRecord{
		AlertID:         a.ID,
		RunID:           r.ID,
		CompetitorName:  "Acme",
		Platform:        "reddit",
		URL:             "https://reddit.com/r/x/1",
		DedupeKey:       "abc",
		DetectionMethod: presence.MethodExact,
		CreatedAt:       now,
	}
	s.Require().NoError(s.store.CreatePresenceRecord(s.ctx, rec))

	dup, err := s.store.CheckDuplicatePresence(s.ctx, "abc", "Acme", now.Add(-time.Hour))
	s.Require().NoError(err)
	s.True(dup)

	end := now.Add(time.Second)
	r.Status = RunCompleted
	r.EndTime = &end
	s.Require().NoError(s.store.UpdateAlertRun(s.ctx, r))
	s.ErrorIs(s.store.UpdateAlertRun(s.ctx, r), ErrRunFinalized)

	s.Require().NoError(s.store.UpdateAlertSchedule(s.ctx, a.ID, now, now.Add(time.Hour)))
	due, err = s.store.ListDueAlerts(s.ctx, now)
	s.Require().NoError(err)
	s.Empty(due)
}

func (s *PostgresStoreSuite) TestQuotaClamp() {
	q, err := s.store.UpdateQuotaUsage(s.ctx, "2030-01", 12, 10)
	s.Require().NoError(err)
	s.Equal(12, q.TotalAPICalls)
	s.Equal(0, q.RemainingCalls)
}
