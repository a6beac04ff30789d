// Package dedup decides whether a classified hit is a new presence or a repeat
// of one already recorded inside the alert's dedupe window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/elonfeng/rivalradar/internal/store"
	"github.com/elonfeng/rivalradar/pkg/presence"
)

// Store is the subset of the persistence gateway the engine needs.
type Store interface {
	CheckDuplicatePresence(ctx context.Context, dedupeKey, competitor string, since time.Time) (bool, error)
	CreatePresenceRecord(ctx context.Context, p *store.PresenceRecord) error
}

// Key returns the dedupe key for a hit: the hex sha256 of title followed by url.
func Key(title, url string) string {
	h := sha256.Sum256([]byte(title + url))
	return hex.EncodeToString(h[:])
}

// Engine checks and records presences. Check-then-write is serialized so
// two executions cannot both store the same key.
type Engine struct {
	store Store
	now   func() time.Time
	mu    sync.Mutex
}

// New creates an Engine backed by s.
func New(s Store) *Engine {
	return &Engine{store: s, now: time.Now}
}

// Submission carries the run context for one classified hit.
type Submission struct {
	AlertID    string
	RunID      string
	WindowDays int
	Hit        presence.ClassifiedHit
}

// Submit stores the hit unless the same key and competitor was recorded within
// the window. It reports whether a new record was created.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*store.PresenceRecord, bool, error) {
	key := Key(sub.Hit.Title, sub.Hit.URL)
	now := e.now().UTC()
	since := now.Add(-time.Duration(sub.WindowDays) * 24 * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()

	dup, err := e.store.CheckDuplicatePresence(ctx, key, sub.Hit.Competitor, since)
	if err != nil {
		return nil, false, fmt.Errorf("check duplicate: %w", err)
	}
	if dup {
		return nil, false, nil
	}

	rec := &store.PresenceRecord{
		AlertID:         sub.AlertID,
		RunID:           sub.RunID,
		CompetitorName:  sub.Hit.Competitor,
		Platform:        sub.Hit.Platform,
		Title:           sub.Hit.Title,
		URL:             sub.Hit.URL,
		Snippet:         sub.Hit.Snippet,
		DedupeKey:       key,
		DetectionMethod: sub.Hit.Method,
		CreatedAt:       now,
	}
	if err := e.store.CreatePresenceRecord(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("store presence: %w", err)
	}
	return rec, true, nil
}
