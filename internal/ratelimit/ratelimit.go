// Package ratelimit provides a keyed in-memory token bucket rate limiter
// middleware for net/http.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KeyFunc derives the quota key for a request.
type KeyFunc func(*http.Request) string

// AuthTokenOrIP keys on the tail of a validated bearer token, falling back
// to the client IP for anonymous or invalid credentials. validate reports
// whether the presented token is the configured one; nil disables the token
// path entirely.
func AuthTokenOrIP(validate func(string) bool) KeyFunc {
	return func(r *http.Request) string {
		if validate != nil {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token != "" && validate(token) {
				suffix := token
				if len(suffix) > 8 {
					suffix = suffix[len(suffix)-8:]
				}
				return "tok:" + suffix
			}
		}
		return "ip:" + clientIP(r)
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Limiter is a keyed token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     int           // tokens added per interval
	burst    int           // max tokens (bucket capacity)
	interval time.Duration // refill interval
	maxKeys  int           // max entries before evicting the stalest
	keyFn    KeyFunc
	stop     chan struct{}
	counter  prometheus.Counter // optional: incremented on each 429
}

type bucket struct {
	tokens   int
	lastFill time.Time
	lastSeen time.Time
}

// New creates a rate limiter. rate is requests per interval; burst is the
// maximum burst size.
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		burst:    burst,
		interval: interval,
		maxKeys:  100000,
		keyFn:    AuthTokenOrIP(nil),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	// Periodically clean up stale entries.
	go l.cleanup()
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithMaxKeys caps the number of tracked keys.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) { l.maxKeys = n }
}

// WithKeyFunc overrides the quota key derivation.
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) { l.keyFn = fn }
}

// Middleware enforces the quota per derived key. Rejections get a JSON body
// with retry_after and suggestions plus a Retry-After header.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(l.keyFn(r)) {
			if l.counter != nil {
				l.counter.Inc()
			}
			retryAfter := int(l.interval / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
				"suggestions": []string{
					"wait before retrying",
					"batch multiple prompts into a single request",
					"authenticate to receive a per-token quota",
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictStalest()
		}
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill)
	refill := int(elapsed/l.interval) * l.rate
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastFill = now
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// evictStalest removes the bucket least recently seen. Must be called with
// l.mu held.
func (l *Limiter) evictStalest() {
	var stalestKey string
	var stalestTime time.Time
	first := true
	for k, b := range l.buckets {
		if first || b.lastSeen.Before(stalestTime) {
			stalestKey = k
			stalestTime = b.lastSeen
			first = false
		}
	}
	if !first {
		delete(l.buckets, stalestKey)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
