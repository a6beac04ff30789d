package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/elonfeng/rivalradar/internal/lock"
	"github.com/elonfeng/rivalradar/internal/quota"
	"github.com/elonfeng/rivalradar/internal/store"
	"github.com/elonfeng/rivalradar/pkg/notify"
	"github.com/elonfeng/rivalradar/pkg/presence"
)

type fakeSearcher struct {
	mu      sync.Mutex
	hits    map[string][]presence.Hit
	queries []string
	panics  bool
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int) []presence.Hit {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("provider exploded")
	}
	f.queries = append(f.queries, query)
	return f.hits[query]
}

type recordingNotifier struct {
	sent []*notify.Notification
}

func (r *recordingNotifier) Broadcast(_ context.Context, n *notify.Notification) error {
	r.sent = append(r.sent, n)
	return errors.New("webhook: connection refused")
}

type failingPresenceStore struct {
	store.Store
}

func (failingPresenceStore) CreatePresenceRecord(context.Context, *store.PresenceRecord) error {
	return errors.New("disk I/O error")
}

type PipelineSuite struct {
	suite.Suite
	ctx      context.Context
	store    *store.SQLStore
	searcher *fakeSearcher
	notifier *recordingNotifier
	locker   *lock.Memory
	quota    *quota.Manager
	runner   *Runner
	now      time.Time
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx = context.Background()
	st, err := store.New("sqlite", ":memory:")
	s.Require().NoError(err)
	s.store = st

	s.searcher = &fakeSearcher{hits: map[string][]presence.Hit{}}
	s.notifier = &recordingNotifier{}
	s.locker = lock.NewMemory()
	s.quota = quota.New(st, 100, nil, zerolog.Nop())
	s.now = time.Now().UTC().Truncate(time.Second)
	s.runner = s.newRunner(st)
}

func (s *PipelineSuite) TearDownTest() {
	_ = s.store.Close()
}

func (s *PipelineSuite) newRunner(st store.Store) *Runner {
	r := New(Deps{
		Store:    st,
		Searcher: s.searcher,
		Quota:    s.quota,
		Notifier: s.notifier,
		Locker:   s.locker,
	}, 0, zerolog.Nop())
	r.now = func() time.Time { return s.now }
	return r
}

func (s *PipelineSuite) createAlert(competitor presence.Competitor, platforms []string, fuzzy bool) *store.Alert {
	a := &store.Alert{
		Name:                 "watch " + competitor.CanonicalName,
		Competitors:          []presence.Competitor{competitor},
		Platforms:            platforms,
		Frequency:            store.FrequencyHourly,
		FuzzyMatching:        fuzzy,
		NotificationsEnabled: true,
		WebhookURL:           "https://hooks.example.com/x",
		IsActive:             true,
		NextRunTime:          s.now.Add(-time.Minute),
	}
	a.Normalize()
	s.Require().NoError(a.Validate())
	s.Require().NoError(s.store.CreateAlert(s.ctx, a))
	return a
}

func (s *PipelineSuite) presences(alertID string) []store.PresenceRecord {
	recs, err := s.store.ListPresenceRecords(s.ctx, store.PresenceListOpts{AlertID: alertID})
	s.Require().NoError(err)
	return recs
}

func (s *PipelineSuite) exhaustQuota() {
	_, err := s.store.UpdateQuotaUsage(s.ctx, quota.Month(time.Now()), 100, 100)
	s.Require().NoError(err)
}

func (s *PipelineSuite) TestScenarioA_ExactMatchStoresOnePresence() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)
	s.searcher.hits[`site:reddit.com "Acme"`] = []presence.Hit{
		{Title: "Why we moved off Acme", URL: "https://reddit.com/r/devops/1", Snippet: "long story"},
	}

	r, err := s.runner.Run(s.ctx, a)
	s.Require().NoError(err)

	s.Equal(store.RunCompleted, r.Status)
	s.Equal(1, r.NewPresencesFound)
	s.Equal(1, r.APICallsUsed)
	s.NotNil(r.EndTime)

	recs := s.presences(a.ID)
	s.Require().Len(recs, 1)
	s.Equal(presence.MethodExact, recs[0].DetectionMethod)
	s.Equal("Acme", recs[0].CompetitorName)
	s.Equal("reddit", recs[0].Platform)
	s.Equal(r.ID, recs[0].RunID)

	s.Require().Len(s.notifier.sent, 1, "notification failures do not fail the run")
	s.Equal(1, s.notifier.sent[0].NewPresencesFound)
	s.Equal("https://hooks.example.com/x", s.notifier.sent[0].Targets.WebhookURL)

	usage, err := s.quota.Usage(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, usage.TotalAPICalls)
	s.Equal(99, usage.RemainingCalls)
}

func (s *PipelineSuite) TestScenarioB_RerunIsDeduplicated() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)
	s.searcher.hits[`site:reddit.com "Acme"`] = []presence.Hit{
		{Title: "Why we moved off Acme", URL: "https://reddit.com/r/devops/1"},
	}

	_, err := s.runner.Run(s.ctx, a)
	s.Require().NoError(err)
	r, err := s.runner.Trigger(s.ctx, a.ID)
	s.Require().NoError(err)

	s.Equal(store.RunCompleted, r.Status)
	s.Equal(0, r.NewPresencesFound)
	s.Len(s.presences(a.ID), 1)
	s.Len(s.notifier.sent, 1, "no notification without new presences")
}

func (s *PipelineSuite) TestScenarioC_FuzzyMatch() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme Corp"}, []string{"twitter"}, true)
	s.searcher.hits[`site:twitter.com "Acme Corp"`] = []presence.Hit{
		{Title: "acme corporation announces layoffs", URL: "https://twitter.com/news/1"},
		{Title: "unrelated", URL: "https://twitter.com/news/2"},
	}

	r, err := s.runner.Run(s.ctx, a)
	s.Require().NoError(err)
	s.Equal(1, r.NewPresencesFound)

	recs := s.presences(a.ID)
	s.Require().Len(recs, 1)
	s.Equal(presence.MethodFuzzy, recs[0].DetectionMethod)
}

func (s *PipelineSuite) TestQuotaGateFailsWithoutSearching() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)
	s.exhaustQuota()

	r, err := s.runner.Run(s.ctx, a)
	s.Require().Error(err)
	s.True(errors.Is(err, quota.ErrExceeded))

	s.Empty(s.searcher.queries)
	s.Equal(store.RunFailed, r.Status)
	s.Equal(0, r.APICallsUsed)
	s.True(strings.Contains(r.ErrorMessage, "quota exceeded"), r.ErrorMessage)

	stored, err := s.store.GetAlertRun(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(store.RunFailed, stored.Status)
}

func (s *PipelineSuite) TestNextRunAlwaysAdvances() {
	tests := []struct {
		name    string
		prepare func()
		status  store.RunStatus
	}{
		{"completed", func() {}, store.RunCompleted},
		{"failed", s.exhaustQuota, store.RunFailed},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)
			prev := a.NextRunTime
			tt.prepare()

			r, _ := s.runner.Run(s.ctx, a)
			s.Equal(tt.status, r.Status)

			got, err := s.store.GetAlert(s.ctx, a.ID)
			s.Require().NoError(err)
			s.True(got.NextRunTime.After(prev))
			s.True(got.NextRunTime.Equal(s.now.Add(time.Hour)), "next run is one interval after the run")
			s.Require().NotNil(got.LastRun)
			s.True(got.LastRun.Equal(s.now))
		})
	}
}

func (s *PipelineSuite) TestNextRunKeepsCadenceWhenAhead() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)
	s.Require().NoError(s.store.UpdateAlertSchedule(s.ctx, a.ID, s.now, s.now.Add(30*time.Minute)))

	_, err := s.runner.Trigger(s.ctx, a.ID)
	s.Require().NoError(err)

	got, err := s.store.GetAlert(s.ctx, a.ID)
	s.Require().NoError(err)
	s.True(got.NextRunTime.Equal(s.now.Add(90*time.Minute)))
}

func (s *PipelineSuite) TestInRunCapStopsAtBudget() {
	s.quota = quota.New(s.store, 2, nil, zerolog.Nop())
	s.runner = s.newRunner(s.store)

	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit", "twitter", "linkedin"}, false)

	r, err := s.runner.Run(s.ctx, a)
	s.Require().NoError(err)
	s.Equal(store.RunCompleted, r.Status)
	s.Equal(2, r.APICallsUsed)
	s.Len(s.searcher.queries, 2)

	usage, err := s.quota.Usage(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, usage.RemainingCalls)
}

func (s *PipelineSuite) TestEmptySearchDoesNotAbortAlert() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit", "twitter"}, false)
	s.searcher.hits[`site:twitter.com "Acme"`] = []presence.Hit{
		{Title: "Acme outage", URL: "https://twitter.com/1"},
	}

	r, err := s.runner.Run(s.ctx, a)
	s.Require().NoError(err)
	s.Equal(store.RunCompleted, r.Status)
	s.Equal(2, r.APICallsUsed)
	s.Equal(1, r.NewPresencesFound)
}

func (s *PipelineSuite) TestPersistenceErrorFailsRun() {
	runner := s.newRunner(failingPresenceStore{Store: s.store})
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)
	s.searcher.hits[`site:reddit.com "Acme"`] = []presence.Hit{
		{Title: "Acme again", URL: "https://reddit.com/1"},
	}

	r, err := runner.Run(s.ctx, a)
	s.Require().Error(err)
	s.Equal(store.RunFailed, r.Status)
	s.Contains(r.ErrorMessage, "disk I/O error")
	s.Empty(s.notifier.sent)

	usage, err := s.quota.Usage(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, usage.TotalAPICalls, "calls made before the failure are still charged")
}

func (s *PipelineSuite) TestPanicIsRecordedAsFailure() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)
	s.searcher.panics = true

	r, err := s.runner.Run(s.ctx, a)
	s.Require().Error(err)
	s.Equal(store.RunFailed, r.Status)
	s.Contains(r.ErrorMessage, "provider exploded")
}

func (s *PipelineSuite) TestBusyAlertIsRefused() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)

	release, ok, err := s.locker.TryLock(s.ctx, "alert:"+a.ID)
	s.Require().NoError(err)
	s.Require().True(ok)
	defer release()

	r, err := s.runner.Trigger(s.ctx, a.ID)
	s.Nil(r)
	s.True(errors.Is(err, ErrAlertBusy))

	runs, err := s.store.ListAlertRuns(s.ctx, a.ID, 10)
	s.Require().NoError(err)
	s.Empty(runs, "a refused execution creates no run")
}

func (s *PipelineSuite) TestTriggerBypassesDueTime() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)
	a.NextRunTime = s.now.Add(24 * time.Hour)
	s.Require().NoError(s.store.UpdateAlertSchedule(s.ctx, a.ID, s.now, a.NextRunTime))

	r, err := s.runner.Trigger(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(store.RunCompleted, r.Status)
	s.Len(s.searcher.queries, 1)

	_, err = s.runner.Trigger(s.ctx, "missing")
	s.True(errors.Is(err, store.ErrNotFound))
}

func (s *PipelineSuite) TestScheduledRunSkipsAlertTriggeredSinceListing() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)

	due, err := s.store.ListDueAlerts(s.ctx, s.now)
	s.Require().NoError(err)
	s.Require().Len(due, 1)

	_, err = s.runner.Trigger(s.ctx, a.ID)
	s.Require().NoError(err)
	triggered, err := s.store.GetAlert(s.ctx, a.ID)
	s.Require().NoError(err)

	r, err := s.runner.Run(s.ctx, &due[0])
	s.Nil(r)
	s.True(errors.Is(err, ErrNotDue), err)

	s.Len(s.searcher.queries, 1, "the stale listing does not search again")
	runs, err := s.store.ListAlertRuns(s.ctx, a.ID, 10)
	s.Require().NoError(err)
	s.Len(runs, 1)

	got, err := s.store.GetAlert(s.ctx, a.ID)
	s.Require().NoError(err)
	s.True(got.NextRunTime.Equal(triggered.NextRunTime))
	s.True(got.NextRunTime.After(s.now))

	usage, err := s.quota.Usage(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, usage.TotalAPICalls)
}

func (s *PipelineSuite) TestScheduledRunUsesStoredAlert() {
	a := s.createAlert(presence.Competitor{CanonicalName: "Acme"}, []string{"reddit"}, false)
	stale := *a
	stale.Frequency = store.FrequencyWeekly
	stale.Platforms = []string{"reddit", "twitter"}

	r, err := s.runner.Run(s.ctx, &stale)
	s.Require().NoError(err)
	s.Equal(1, r.APICallsUsed, "platforms come from the stored alert")

	got, err := s.store.GetAlert(s.ctx, a.ID)
	s.Require().NoError(err)
	s.True(got.NextRunTime.Equal(s.now.Add(time.Hour)), "frequency comes from the stored alert")
}

func (s *PipelineSuite) TestScheduledRunSkipsDeactivatedAlert() {
	inactive := s.createInactiveAlert()
	r, err := s.runner.Run(s.ctx, inactive)
	s.Nil(r)
	s.True(errors.Is(err, ErrNotDue))
	s.Empty(s.searcher.queries)
}

func (s *PipelineSuite) createInactiveAlert() *store.Alert {
	a := &store.Alert{
		Name:        "paused",
		Competitors: []presence.Competitor{{CanonicalName: "Globex"}},
		Platforms:   []string{"reddit"},
		IsActive:    false,
		NextRunTime: s.now.Add(-time.Minute),
	}
	a.Normalize()
	s.Require().NoError(s.store.CreateAlert(s.ctx, a))
	return a
}
