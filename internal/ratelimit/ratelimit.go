// Package ratelimit provides a sliding-window limiter backed by the cache's
// window store.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// WindowStore is the part of domain.Cache the limiter needs.
type WindowStore interface {
	AdmitWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (bool, int64, error)
}

// SlidingWindow admits at most limit events in any rolling window.
// A non-positive limit admits nothing.
type SlidingWindow struct {
	store  WindowStore
	key    string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindow binds a limiter to one key of store.
func NewSlidingWindow(store WindowStore, key string, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		store:  store,
		key:    "ratelimit:" + key,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	s.now = now
	return s
}

// Allow consumes one slot if the window has room.
func (s *SlidingWindow) Allow(ctx context.Context) (bool, error) {
	if s.limit <= 0 {
		return false, nil
	}
	ok, _, err := s.store.AdmitWindow(ctx, s.key, s.limit, s.window, s.now())
	if err != nil {
		return false, fmt.Errorf("rate limiter %s: %w", s.key, err)
	}
	return ok, nil
}

// Limit returns the configured limit.
func (s *SlidingWindow) Limit() int64 {
	return s.limit
}
