// Package ratelimit throttles outbound downloads per host.
//
// Simple in-memory implementation, scoped to one process. Each host gets its
// own token bucket; idle hosts are evicted by a background goroutine bound to
// the context passed to New.
//
// A verification run may fetch hundreds of artifacts from the same bucket
// host. This keeps a wide worker pool from hammering a single origin while
// leaving unrelated hosts unaffected.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket tracks a single host's limiter and last activity
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether OnFirstThrottled fired for this host
	// resets when the entry is evicted and re-created
	logged bool
}

// HostLimiter holds per-host rate limiters with background eviction
type HostLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// requests per second and burst ceiling; perSecond 0 disables limiting
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle host stays in the map before cleanup evicts it
	ttl time.Duration

	// OnFirstThrottled is called once per host the first time a request has to wait
	OnFirstThrottled func(host string)

	// OnThrottled is called after every wait with the time spent waiting
	OnThrottled func(host string, waited time.Duration)
}

type Option func(*HostLimiter)

// WithRate sets the refill rate and bucket size.
// WithRate(2, 4) allows 4 downloads at once per host, then 2 per second.
// perSecond <= 0 disables limiting entirely.
func WithRate(perSecond float64, burst int) Option {
	return func(l *HostLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle host stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(l *HostLimiter) {
		l.ttl = d
	}
}

// WithOnFirstThrottled sets a callback for the first wait per host, used for logging.
func WithOnFirstThrottled(fn func(host string)) Option {
	return func(l *HostLimiter) {
		l.OnFirstThrottled = fn
	}
}

// WithOnThrottled sets a callback for every wait, used for metrics.
func WithOnThrottled(fn func(host string, waited time.Duration)) Option {
	return func(l *HostLimiter) {
		l.OnThrottled = fn
	}
}

// New creates a HostLimiter and starts the background cleanup goroutine.
// The goroutine exits when ctx is done.
func New(ctx context.Context, opts ...Option) *HostLimiter {
	l := &HostLimiter{
		buckets:   make(map[string]*bucket),
		perSecond: 0,
		burst:     4,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	if l.burst < 1 {
		l.burst = 1
	}
	if l.ttl <= 0 {
		l.ttl = 5 * time.Minute
	}
	if l.Enabled() {
		go l.cleanup(ctx)
	}
	return l
}

// Enabled reports whether the limiter throttles at all.
func (l *HostLimiter) Enabled() bool {
	return l != nil && l.perSecond > 0
}

// Wait blocks until host may issue another request or ctx is done. The
// token is reserved under the map lock, so concurrent callers on one host
// each see their own delay and every throttled call is reported.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if !l.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	b, exists := l.buckets[host]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[host] = b
	}
	now := time.Now()
	b.lastSeen = now
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		l.mu.Unlock()
		return fmt.Errorf("rate limit for %s: burst %d too small", host, l.burst)
	}
	delay := r.DelayFrom(now)
	first := delay > 0 && !b.logged
	if first {
		b.logged = true
	}
	l.mu.Unlock()

	if delay == 0 {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok && dl.Before(now.Add(delay)) {
		r.CancelAt(now)
		return fmt.Errorf("rate limit for %s: wait of %v would exceed context deadline", host, delay)
	}

	// hooks run outside the lock, they may log or touch metrics
	if first && l.OnFirstThrottled != nil {
		l.OnFirstThrottled(host)
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
	if l.OnThrottled != nil {
		l.OnThrottled(host, time.Since(now))
	}
	return nil
}

// cleanup periodically evicts hosts that haven't been seen within the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (l *HostLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for host, b := range l.buckets {
				if now.Sub(b.lastSeen) > l.ttl {
					delete(l.buckets, host)
				}
			}
			l.mu.Unlock()
		}
	}
}
