// Package run records the lifecycle of one alert execution:
// running, then exactly one of completed or failed.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elonfeng/rivalradar/internal/store"
)

// ErrFinalized is returned for any transition out of a terminal state.
var ErrFinalized = errors.New("run already finalized")

// Store is the subset of the persistence gateway the tracker needs.
type Store interface {
	CreateAlertRun(ctx context.Context, r *store.AlertRun) error
	UpdateAlertRun(ctx context.Context, r *store.AlertRun) error
}

// Tracker accumulates counters for a running execution and finalizes it once.
type Tracker struct {
	store Store

	mu  sync.Mutex
	run store.AlertRun
}

// Start persists a new running AlertRun for alertID.
func Start(ctx context.Context, s Store, alertID string, at time.Time) (*Tracker, error) {
	t := &Tracker{
		store: s,
		run: store.AlertRun{
			AlertID:   alertID,
			Status:    store.RunRunning,
			StartTime: at.UTC(),
		},
	}
	if err := s.CreateAlertRun(ctx, &t.run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return t, nil
}

// ID returns the persisted run id.
func (t *Tracker) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.ID
}

// AddAPICall counts one logical search call.
func (t *Tracker) AddAPICall() {
	t.mu.Lock()
	t.run.APICallsUsed++
	t.mu.Unlock()
}

// AddPresence counts one newly stored presence.
func (t *Tracker) AddPresence() {
	t.mu.Lock()
	t.run.NewPresencesFound++
	t.mu.Unlock()
}

// APICalls returns the calls counted so far.
func (t *Tracker) APICalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.APICallsUsed
}

// NewPresences returns the presences counted so far.
func (t *Tracker) NewPresences() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.NewPresencesFound
}

// Snapshot returns a copy of the current run record.
func (t *Tracker) Snapshot() store.AlertRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run
}

// Complete finalizes the run as completed.
func (t *Tracker) Complete(ctx context.Context, at time.Time) error {
	return t.finalize(ctx, store.RunCompleted, "", at)
}

// Fail finalizes the run as failed with cause's message.
func (t *Tracker) Fail(ctx context.Context, cause error, at time.Time) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.finalize(ctx, store.RunFailed, msg, at)
}

func (t *Tracker) finalize(ctx context.Context, status store.RunStatus, msg string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrFinalized, t.run.ID, t.run.Status)
	}

	next := t.run
	end := at.UTC()
	next.Status = status
	next.EndTime = &end
	next.ErrorMessage = msg

	if err := t.store.UpdateAlertRun(ctx, &next); err != nil {
		if errors.Is(err, store.ErrRunFinalized) {
			return fmt.Errorf("%w: %w", ErrFinalized, err)
		}
		return fmt.Errorf("finalize run %s: %w", t.run.ID, err)
	}
	t.run = next
	return nil
}
