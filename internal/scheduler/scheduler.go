package scheduler

//go:generate mockgen -source=scheduler.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/rivalradar/internal/pipeline"
	"github.com/elonfeng/rivalradar/internal/store"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 60 * time.Second

// AlertSource lists alerts that are due.
type AlertSource interface {
	ListDueAlerts(ctx context.Context, now time.Time) ([]store.Alert, error)
}

// AlertRunner executes one alert.
type AlertRunner interface {
	Run(ctx context.Context, a *store.Alert) (*store.AlertRun, error)
}

// Scheduler runs due alerts on a fixed tick. Batches never overlap: a tick
// that fires while the previous batch is still running is skipped.
type Scheduler struct {
	source   AlertSource
	runner   AlertRunner
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new scheduler.
func New(source AlertSource, runner AlertRunner, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		source:   source,
		runner:   runner,
		interval: interval,
		log:      log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled and the
// in-flight batch, if any, has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("scheduler running")
	s.spawnTick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.spawnTick(ctx)
		}
	}
}

// Start runs the loop in the background until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
	}(s.done)
}

// Stop cancels the loop and waits for the current batch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) spawnTick(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
}

// Tick processes one batch of due alerts sequentially. It returns false
// without doing anything when another batch is in flight.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Debug().Msg("previous batch still running, skipping tick")
		return false
	}
	defer s.inFlight.Store(false)

	alerts, err := s.source.ListDueAlerts(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("list due alerts, abandoning tick")
		return true
	}
	if len(alerts) == 0 {
		return true
	}
	s.log.Info().Int("due", len(alerts)).Msg("processing due alerts")

	for i := range alerts {
		if ctx.Err() != nil {
			return true
		}
		a := &alerts[i]
		_, err := s.runner.Run(ctx, a)
		switch {
		case errors.Is(err, pipeline.ErrAlertBusy):
			s.log.Info().Str("alert_id", a.ID).Msg("alert busy, skipping")
		case errors.Is(err, pipeline.ErrNotDue):
			s.log.Debug().Str("alert_id", a.ID).Msg("alert already ran, skipping")
		case err != nil:
			s.log.Warn().Err(err).Str("alert_id", a.ID).Msg("alert run failed")
		}
	}
	return true
}
