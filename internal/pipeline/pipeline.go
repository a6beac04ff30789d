// Package pipeline executes one alert end to end: quota admission, search,
// classification, dedup, bookkeeping, notification and run finalization.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/elonfeng/rivalradar/internal/lock"
	"github.com/elonfeng/rivalradar/internal/metrics"
	"github.com/elonfeng/rivalradar/internal/quota"
	"github.com/elonfeng/rivalradar/internal/run"
	"github.com/elonfeng/rivalradar/internal/store"
	"github.com/elonfeng/rivalradar/pkg/dedup"
	"github.com/elonfeng/rivalradar/pkg/match"
	"github.com/elonfeng/rivalradar/pkg/notify"
	"github.com/elonfeng/rivalradar/pkg/presence"
	"github.com/elonfeng/rivalradar/pkg/search"
)

var (
	// ErrAlertBusy is returned when another execution holds the alert's lock.
	ErrAlertBusy = errors.New("alert is already running")
	// ErrNotDue is returned when a scheduled execution finds the alert was
	// already run, or deactivated, since it was listed.
	ErrNotDue = errors.New("alert is not due")
)

// Searcher returns hits for a query. It never fails; a failed search yields no hits.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) []presence.Hit
}

// Notifier delivers a notification to every configured channel.
type Notifier interface {
	Broadcast(ctx context.Context, n *notify.Notification) error
}

// Deps are the collaborators of a Runner. Locker, Notifier and Metrics are optional.
type Deps struct {
	Store    store.Store
	Searcher Searcher
	Quota    *quota.Manager
	Notifier Notifier
	Locker   lock.Locker
	Metrics  *metrics.Metrics
}

// Runner executes alerts.
type Runner struct {
	store    store.Store
	searcher Searcher
	detector *match.Detector
	dedup    *dedup.Engine
	quota    *quota.Manager
	notifier Notifier
	locker   lock.Locker
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a Runner. pacing is the minimum gap between search calls.
func New(d Deps, pacing time.Duration, log zerolog.Logger) *Runner {
	limit := rate.Inf
	if pacing > 0 {
		limit = rate.Every(pacing)
	}
	locker := d.Locker
	if locker == nil {
		locker = lock.NewMemory()
	}
	return &Runner{
		store:    d.Store,
		searcher: d.Searcher,
		detector: match.NewDetector(),
		dedup:    dedup.New(d.Store),
		quota:    d.Quota,
		notifier: d.Notifier,
		locker:   locker,
		metrics:  d.Metrics,
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// Trigger looks up an alert and runs it immediately, bypassing the due-time
// check but not the quota check. It returns once the run is finalized.
func (r *Runner) Trigger(ctx context.Context, alertID string) (*store.AlertRun, error) {
	return r.runLocked(ctx, alertID, true)
}

// Run executes a scheduled alert under its advisory lock. The alert is
// reloaded once the lock is held; if it is no longer due, Run returns
// ErrNotDue without creating an AlertRun. The returned run is nil only when
// no AlertRun was created. The error reports why the run failed.
func (r *Runner) Run(ctx context.Context, a *store.Alert) (*store.AlertRun, error) {
	return r.runLocked(ctx, a.ID, false)
}

func (r *Runner) runLocked(ctx context.Context, alertID string, manual bool) (*store.AlertRun, error) {
	release, ok, err := r.locker.TryLock(ctx, "alert:"+alertID)
	if err != nil {
		return nil, fmt.Errorf("lock alert %s: %w", alertID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertBusy, alertID)
	}
	defer release()

	a, err := r.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if manual {
		r.log.Info().Str("alert_id", a.ID).Str("alert", a.Name).Msg("manual trigger")
	} else if !a.IsActive || a.NextRunTime.After(r.now()) {
		return nil, fmt.Errorf("%w: %s next run %s", ErrNotDue, a.ID, a.NextRunTime.Format(time.RFC3339))
	}
	return r.execute(ctx, a)
}

func (r *Runner) execute(ctx context.Context, a *store.Alert) (*store.AlertRun, error) {
	started := r.now()
	log := r.log.With().Str("alert_id", a.ID).Str("alert", a.Name).Logger()

	tracker, err := run.Start(ctx, r.store, a.ID, started)
	if err != nil {
		// Without a run record there is nothing to finalize, but the
		// schedule still moves so the alert cannot hot-loop.
		if serr := r.advanceSchedule(context.WithoutCancel(ctx), a, started); serr != nil {
			log.Error().Err(serr).Msg("advance schedule")
		}
		return nil, err
	}
	log = log.With().Str("run_id", tracker.ID()).Logger()
	log.Info().Int("competitors", len(a.Competitors)).Strs("platforms", a.Platforms).Msg("run started")

	var budget quota.Budget
	found, runErr := r.processSafely(ctx, a, tracker, &budget, log)

	// Bookkeeping must land even if the caller's context was cancelled.
	bctx := context.WithoutCancel(ctx)

	if budget.Month != "" {
		if err := r.quota.Record(bctx, budget, tracker.APICalls()); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	if err := r.advanceSchedule(bctx, a, started); err != nil {
		runErr = errors.Join(runErr, err)
	}

	if runErr == nil && tracker.NewPresences() > 0 {
		r.notify(bctx, a, tracker, found, log)
	}

	end := r.now()
	status := store.RunCompleted
	var finErr error
	if runErr != nil {
		status = store.RunFailed
		finErr = tracker.Fail(bctx, runErr, end)
	} else {
		finErr = tracker.Complete(bctx, end)
	}
	if finErr != nil {
		log.Error().Err(finErr).Msg("finalize run")
	}
	r.metrics.ObserveRun(string(status), end.Sub(started))

	snap := tracker.Snapshot()
	ev := log.Info()
	if runErr != nil {
		ev = log.Warn().Err(runErr)
	}
	ev.Str("status", string(snap.Status)).
		Int("api_calls", snap.APICallsUsed).
		Int("new_presences", snap.NewPresencesFound).
		Dur("took", end.Sub(started)).
		Msg("run finished")

	return &snap, errors.Join(runErr, finErr)
}

// processSafely turns a panic inside one alert into a failed run.
func (r *Runner) processSafely(ctx context.Context, a *store.Alert, t *run.Tracker, budget *quota.Budget, log zerolog.Logger) (found []presence.ClassifiedHit, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("alert processing panicked")
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.process(ctx, a, t, budget, log)
}

// process walks competitor x platform sequentially. budget is filled at
// admission so calls made before a failure are still charged.
func (r *Runner) process(ctx context.Context, a *store.Alert, t *run.Tracker, budget *quota.Budget, log zerolog.Logger) ([]presence.ClassifiedHit, error) {
	b, err := r.quota.Admit(ctx)
	if err != nil {
		return nil, err
	}
	*budget = b

	var found []presence.ClassifiedHit
	for _, c := range a.Competitors {
		for _, platform := range a.Platforms {
			if t.APICalls() >= budget.Remaining {
				log.Warn().Int("remaining", budget.Remaining).Msg("quota budget reached, stopping run early")
				return found, nil
			}

			query := search.BuildQuery(c, platform)
			if query == "" {
				continue
			}
			if err := r.limiter.Wait(ctx); err != nil {
				return found, fmt.Errorf("pacing: %w", err)
			}

			hits := r.searcher.Search(ctx, query, a.MaxResults)
			t.AddAPICall()

			for _, hit := range hits {
				ch, ok := r.detector.ClassifyHit(hit, c, platform, a.FuzzyMatching)
				if !ok {
					continue
				}
				rec, isNew, err := r.dedup.Submit(ctx, dedup.Submission{
					AlertID:    a.ID,
					RunID:      t.ID(),
					WindowDays: a.DedupeWindowDays,
					Hit:        ch,
				})
				if err != nil {
					return found, err
				}
				if !isNew {
					r.metrics.ObserveDuplicate()
					continue
				}
				t.AddPresence()
				r.metrics.ObservePresence(ch.Method)
				found = append(found, ch)
				log.Debug().
					Str("competitor", rec.CompetitorName).
					Str("platform", rec.Platform).
					Str("method", string(rec.DetectionMethod)).
					Str("url", rec.URL).
					Msg("new presence")
			}
		}
	}
	return found, nil
}

// advanceSchedule sets nextRunTime to max(previous, now) + frequency.
func (r *Runner) advanceSchedule(ctx context.Context, a *store.Alert, ranAt time.Time) error {
	interval := a.Frequency.Interval()
	if interval <= 0 {
		interval = store.FrequencyDaily.Interval()
	}
	base := a.NextRunTime
	if ranAt.After(base) {
		base = ranAt
	}
	next := base.Add(interval)
	if err := r.store.UpdateAlertSchedule(ctx, a.ID, ranAt, next); err != nil {
		return err
	}
	last := ranAt
	a.LastRun = &last
	a.NextRunTime = next
	return nil
}

func (r *Runner) notify(ctx context.Context, a *store.Alert, t *run.Tracker, found []presence.ClassifiedHit, log zerolog.Logger) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("notifier panicked")
		}
	}()

	n := &notify.Notification{
		AlertID:           a.ID,
		AlertName:         a.Name,
		NewPresencesFound: t.NewPresences(),
		Timestamp:         r.now().UTC(),
		RunID:             t.ID(),
		Platforms:         a.Platforms,
		Presences:         found,
		Targets: notify.Targets{
			Enabled:    a.NotificationsEnabled,
			Email:      a.NotificationEmail,
			WebhookURL: a.WebhookURL,
		},
	}
	if err := r.notifier.Broadcast(ctx, n); err != nil {
		log.Warn().Err(err).Msg("notification failed")
	}
}
