package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttle is the edge limiter: a token bucket per client key, sitting in
// front of the fixed-window quotas. It absorbs bursts before they reach
// the per-endpoint counters.
type throttle struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	buckets map[string]*throttleBucket
}

type throttleBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newThrottle(limit rate.Limit, burst int, ttl time.Duration) *throttle {
	return &throttle{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		buckets: make(map[string]*throttleBucket),
	}
}

func (t *throttle) allow(key string) bool {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[key]
	if b == nil {
		b = &throttleBucket{lim: rate.NewLimiter(t.limit, t.burst), lastSeen: now}
		t.buckets[key] = b
	}
	b.lastSeen = now

	for k, v := range t.buckets {
		if now.Sub(v.lastSeen) > t.ttl {
			delete(t.buckets, k)
		}
	}
	return b.lim.Allow()
}

// perWindow converts "n requests per window" into a refill rate.
func perWindow(n int, window time.Duration) rate.Limit {
	return rate.Limit(float64(n) / window.Seconds())
}

func getClientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
