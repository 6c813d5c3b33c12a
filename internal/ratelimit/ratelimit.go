// Package ratelimit admits or rejects prompts against a fixed request budget per time window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config holds the request budget.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultConfig allows five prompts per minute.
var DefaultConfig = Config{
	MaxRequests: 5,
	Window:      time.Minute,
}

// Window is the state of the current rate window.
type Window struct {
	Count int
	Start time.Time
}

// Decision is the outcome of an admission check. RetryAfter is only set when Allow is false.
type Decision struct {
	Allow      bool
	RetryAfter time.Duration
}

// Status summarizes the window for display.
type Status struct {
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"-"`
	// ResetInSeconds is ResetIn rounded up, zero while prompts remain.
	ResetInSeconds int `json:"resetInSeconds"`
}

// Limiter serializes admission checks and periodic resets over a single Window.
type Limiter struct {
	cfg Config

	mu sync.Mutex
	w  Window
}

// New creates a Limiter whose first window starts at now.
func New(cfg Config, now time.Time) *Limiter {
	return &Limiter{
		cfg: cfg,
		w:   Window{Start: now},
	}
}

// Admit decides whether a new prompt may be sent at now, and records it if so.
func (l *Limiter) Admit(now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	var d Decision
	l.w, d = admit(l.cfg, l.w, now)
	return d
}

// Tick resets the window at now. It is called by a scheduler independent of request activity.
func (l *Limiter) Tick(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.w = Window{Start: now}
}

// Window returns a copy of the current window.
func (l *Limiter) Window() Window {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.w
}

// Status reports the remaining prompts and, once the budget is spent, the time until the window resets.
func (l *Limiter) Status(now time.Time) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return status(l.cfg, l.w, now)
}

// Run calls Tick every interval until ctx is done. An interval of zero uses the configured window.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	Every(ctx, interval, func(now time.Time) {
		l.Tick(now)
	})
}

// Every calls fn with the tick time every interval until ctx is done. The ticker is stopped on return.
func Every(ctx context.Context, interval time.Duration, fn func(time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

func admit(cfg Config, w Window, now time.Time) (Window, Decision) {
	if now.Sub(w.Start) > cfg.Window {
		return Window{Count: 1, Start: now}, Decision{Allow: true}
	}
	if w.Count < cfg.MaxRequests {
		w.Count++
		return w, Decision{Allow: true}
	}
	return w, Decision{RetryAfter: w.Start.Add(cfg.Window).Sub(now)}
}

func status(cfg Config, w Window, now time.Time) Status {
	if now.Sub(w.Start) > cfg.Window {
		return Status{Remaining: cfg.MaxRequests}
	}
	s := Status{Remaining: max(cfg.MaxRequests-w.Count, 0)}
	if s.Remaining == 0 {
		s.ResetIn = max(w.Start.Add(cfg.Window).Sub(now), 0)
		s.ResetInSeconds = int((s.ResetIn + time.Second - 1) / time.Second)
	}
	return s
}
