// Package ratelimit implements fixed-window request counting keyed by
// client identity. It is pure in-memory bookkeeping: no persistence, no
// clustering. Denials are values, not errors.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one Check call. RetryAfter is only set on a
// denial and is what an HTTP layer should surface as Retry-After.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Rule names an independent counter space with its own window geometry.
// Tighter rules guard authentication endpoints, looser ones general
// traffic; the same client key never shares a counter across rules.
type Rule struct {
	Name   string
	Window time.Duration
	Max    int
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter keeps one fixed window per key. Windows are allocated lazily on
// first sight of a key and replaced in place once their reset time passes.
// The map is mutex-guarded: check-and-increment has to be atomic or two
// concurrent requests could both observe a count below the limit.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Check counts one request against key and reports whether it still fits
// in the current window. A denied request is counted too; it does not move
// the window's reset time.
func (l *Limiter) Check(key string, windowDur time.Duration, max int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(windowDur)}
		l.windows[key] = w
	}
	w.count++

	res := Result{ResetAt: w.resetAt}
	if w.count > max {
		res.RetryAfter = w.resetAt.Sub(now)
		return res
	}
	res.Allowed = true
	res.Remaining = max - w.count
	return res
}

// CheckRule applies a named rule to a client key.
func (l *Limiter) CheckRule(r Rule, clientKey string) Result {
	return l.Check(r.Name+"|"+clientKey, r.Window, r.Max)
}

// RunSweeper deletes expired windows every interval until ctx is
// cancelled. The sweep is independent of request traffic so that idle keys
// do not pin memory; run it from the daemon lifecycle, never from a
// request handler.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}

func (l *Limiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
