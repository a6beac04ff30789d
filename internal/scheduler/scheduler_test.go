package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/elonfeng/rivalradar/internal/pipeline"
	"github.com/elonfeng/rivalradar/internal/scheduler/mocks"
	"github.com/elonfeng/rivalradar/internal/store"
)

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, interval time.Duration) (*Scheduler, *mocks.MockAlertSource, *mocks.MockAlertRunner) {
	t.Helper()
	ctrl := gomock.NewController(t)
	source := mocks.NewMockAlertSource(ctrl)
	runner := mocks.NewMockAlertRunner(ctrl)
	s := New(source, runner, interval, zerolog.Nop())
	s.now = func() time.Time { return fixedNow }
	return s, source, runner
}

func alertID(id string) gomock.Matcher {
	return gomock.Cond(func(a *store.Alert) bool { return a.ID == id })
}

func TestTickRunsDueAlertsInOrder(t *testing.T) {
	s, source, runner := newTestScheduler(t, time.Minute)
	ctx := context.Background()

	source.EXPECT().ListDueAlerts(gomock.Any(), fixedNow).
		Return([]store.Alert{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}, {ID: "a4"}}, nil)
	gomock.InOrder(
		runner.EXPECT().Run(gomock.Any(), alertID("a1")).Return(&store.AlertRun{Status: store.RunCompleted}, nil),
		runner.EXPECT().Run(gomock.Any(), alertID("a2")).Return(nil, fmt.Errorf("%w: a2", pipeline.ErrAlertBusy)),
		runner.EXPECT().Run(gomock.Any(), alertID("a3")).Return(nil, fmt.Errorf("%w: a3", pipeline.ErrNotDue)),
		runner.EXPECT().Run(gomock.Any(), alertID("a4")).Return(&store.AlertRun{Status: store.RunFailed}, errors.New("boom")),
	)

	assert.True(t, s.Tick(ctx))
}

func TestTickAbandonsOnListError(t *testing.T) {
	s, source, runner := newTestScheduler(t, time.Minute)

	source.EXPECT().ListDueAlerts(gomock.Any(), gomock.Any()).Return(nil, errors.New("db locked"))
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Times(0)

	assert.True(t, s.Tick(context.Background()))
}

func TestTickStopsWhenContextCancelled(t *testing.T) {
	s, source, runner := newTestScheduler(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	source.EXPECT().ListDueAlerts(gomock.Any(), gomock.Any()).
		Return([]store.Alert{{ID: "a1"}, {ID: "a2"}}, nil)
	runner.EXPECT().Run(gomock.Any(), alertID("a1")).
		DoAndReturn(func(context.Context, *store.Alert) (*store.AlertRun, error) {
			cancel()
			return &store.AlertRun{}, nil
		})

	assert.True(t, s.Tick(ctx))
}

func TestTickIsSingleFlight(t *testing.T) {
	s, source, runner := newTestScheduler(t, time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})

	source.EXPECT().ListDueAlerts(gomock.Any(), gomock.Any()).
		Return([]store.Alert{{ID: "slow"}}, nil).Times(1)
	runner.EXPECT().Run(gomock.Any(), alertID("slow")).
		DoAndReturn(func(context.Context, *store.Alert) (*store.AlertRun, error) {
			close(started)
			<-release
			return &store.AlertRun{}, nil
		})

	done := make(chan bool)
	go func() { done <- s.Tick(context.Background()) }()
	<-started

	assert.False(t, s.Tick(context.Background()), "overlapping tick is skipped")

	close(release)
	assert.True(t, <-done)
}

func TestStartStop(t *testing.T) {
	s, source, runner := newTestScheduler(t, 10*time.Millisecond)
	var ticks atomic.Int32

	source.EXPECT().ListDueAlerts(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, time.Time) ([]store.Alert, error) {
			ticks.Add(1)
			return nil, nil
		}).AnyTimes()
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Times(0)

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no ticks after Stop")
}

func TestNewDefaultsInterval(t *testing.T) {
	s := New(nil, nil, 0, zerolog.Nop())
	assert.Equal(t, DefaultInterval, s.interval)
}
