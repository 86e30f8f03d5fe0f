package gate

import (
	"context"
	"sync"
	"time"

	"github.com/calder-ai/stategraph/graph"
)

// Window is a sliding-window rate limiter. It admits at most limit events per
// span, counting actual event timestamps rather than fixed buckets, so a
// burst at the end of one minute still counts against the start of the next.
type Window struct {
	mu    sync.Mutex
	limit int
	span  time.Duration
	times []time.Time
	now   func() time.Time
}

// NewWindow creates a Window admitting limit events per span.
func NewWindow(limit int, span time.Duration) *Window {
	return &Window{limit: limit, span: span, now: time.Now}
}

// Allow reports whether another event fits in the window, recording it when
// it does.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.span)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// RateLimit halts runs that exceed the window's admission rate.
type RateLimit struct {
	window *Window
}

// NewRateLimit creates a RateLimit gate over the given window. The window is
// shared process state: every run through the same gate instance draws from
// the same budget.
func NewRateLimit(window *Window) *RateLimit {
	return &RateLimit{window: window}
}

// Name implements Gate.
func (g *RateLimit) Name() string { return "rate_limit" }

// Check implements Gate.
func (g *RateLimit) Check(ctx context.Context, state graph.State) (graph.State, error) {
	if g.window.Allow() {
		return nil, nil
	}
	return Halt(ReasonRateLimited, "Rate limit exceeded. Try again later."), nil
}
