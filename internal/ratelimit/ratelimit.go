package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/pkgfetch/internal/httpmw"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

// bucket tracks a single key's limiter and last activity
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial hook already fired,
	// resets when the entry is evicted and re-created
	logged bool
}

// Limiter holds per-key rate limiters with background eviction
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle key stays in the map before cleanup evicts it
	ttl time.Duration

	// maxWait caps how long Wait blocks for a token
	maxWait time.Duration

	OnFirstDenied func(key string)
	OnDenied      func(key string)
}

type Option func(*Limiter)

// WithRate sets the bucket size and refill rate.
// WithRate(10, 50) allows 50 at once, then refills at 10 per second
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

func WithTTL(d time.Duration) Option {
	return func(l *Limiter) {
		l.ttl = d
	}
}

// WithMaxWait bounds Wait; a request that would queue longer is denied.
func WithMaxWait(d time.Duration) Option {
	return func(l *Limiter) {
		l.maxWait = d
	}
}

// WithOnFirstDenied fires once per key per bucket lifetime, used for logging.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied fires on every denial, used for prometheus counters.
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// New creates a Limiter and starts the cleanup goroutine, which stops when
// ctx is done
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:   make(map[string]*bucket),
		perSecond: 10,
		burst:     30,
		ttl:       5 * time.Minute,
		maxWait:   30 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

func (l *Limiter) get(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b
}

// denied runs the hooks outside the lock, they may do slow work
func (l *Limiter) denied(key string, first bool) {
	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(key)
	}
	if l.OnDenied != nil {
		l.OnDenied(key)
	}
}

// allow takes a token for key without waiting.
func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	b := l.get(key)
	allowed := b.limiter.Allow()
	first := false
	if !allowed && !b.logged {
		b.logged = true
		first = true
	}
	l.mu.Unlock()

	if !allowed {
		l.denied(key, first)
	}
	return allowed
}

// Wait blocks until key has a token, ctx is done, or the wait would exceed
// the configured max wait.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	b := l.get(key)
	r := b.limiter.Reserve()
	l.mu.Unlock()

	if !r.OK() {
		l.denied(key, false)
		return xerrors.Newf("rate limit: burst too small for %s", key)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if l.maxWait > 0 && delay > l.maxWait {
		r.Cancel()
		l.mu.Lock()
		first := !b.logged
		b.logged = true
		l.mu.Unlock()
		l.denied(key, first)
		return xerrors.Newf("rate limit: %s would wait %s (max %s)", key, delay.Round(time.Millisecond), l.maxWait)
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return xerrors.Wrap(ctx.Err(), "rate limit wait")
	case <-t.C:
		return nil
	}
}

// cleanup evicts keys not seen within the TTL, running every TTL/2
func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for k, b := range l.buckets {
				if now.Sub(b.lastSeen) > l.ttl {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-client-ip limit with 429. The key
// is the address httpmw.ClientIP resolved, else the peer address.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())
		if ip == "" {
			ip = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				ip = host
			}
		}

		if !l.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// no detail about limits or refill
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
