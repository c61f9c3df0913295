// Package ratelimit implements per-credential fixed-window admission
// control. The window arithmetic is a pure function over an explicit
// state value; mutual exclusion per credential is the Store's job.
package ratelimit

import (
	"context"
	"time"
)

// WindowState is the rate-limit state for one credential.
type WindowState struct {
	// WindowStart is when the current window opened; zero means no
	// window exists yet.
	WindowStart time.Time
	// Count is the number of admitted requests in the current window.
	Count int
}

// Config holds the admission policy.
type Config struct {
	// Capacity is admissions per window. Zero denies unconditionally.
	Capacity int
	// Window is the fixed window length.
	Window time.Duration
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Check performs one fixed-window admission decision. It is pure:
// same state, config and clock always produce the same result.
//
// A missing window, an elapsed window, or a wall clock behind the
// window start (backward jump) all open a fresh window. Count never
// exceeds Capacity within a window.
func Check(state WindowState, cfg Config, now time.Time) (Result, WindowState) {
	if cfg.Capacity <= 0 {
		return Result{
			Allowed:    false,
			RetryAfter: cfg.Window,
			ResetAt:    now.Add(cfg.Window),
		}, state
	}

	windowEnd := state.WindowStart.Add(cfg.Window)
	fresh := state.WindowStart.IsZero() ||
		!now.Before(windowEnd) ||
		now.Before(state.WindowStart)

	if fresh {
		state = WindowState{WindowStart: now, Count: 1}
		return Result{
			Allowed:   true,
			Remaining: cfg.Capacity - 1,
			ResetAt:   now.Add(cfg.Window),
		}, state
	}

	if state.Count < cfg.Capacity {
		state.Count++
		return Result{
			Allowed:   true,
			Remaining: cfg.Capacity - state.Count,
			ResetAt:   windowEnd,
		}, state
	}

	retry := windowEnd.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Result{
		Allowed:    false,
		RetryAfter: retry,
		ResetAt:    windowEnd,
	}, state
}

// Store persists window state with per-credential mutual exclusion.
type Store interface {
	// Update applies fn to the credential's state and persists the
	// result. fn runs under the store's exclusion for that credential,
	// so concurrent checks on the same key are linearizable.
	Update(ctx context.Context, credential string, fn func(WindowState) WindowState) error
}

// Limiter binds a policy to a state store.
type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(store Store, cfg Config) *Limiter {
	return &Limiter{store: store, cfg: cfg, now: time.Now}
}

// Check decides admission for one credential. Unknown credentials
// behave as a fresh window.
func (l *Limiter) Check(ctx context.Context, credential string) (Result, error) {
	var res Result
	err := l.store.Update(ctx, credential, func(s WindowState) WindowState {
		var ns WindowState
		res, ns = Check(s, l.cfg, l.now())
		return ns
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
