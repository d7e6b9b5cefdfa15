package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-client-IP token bucket rate limiter. Capacity is the
// configured queries-per-minute allowance; refill rate is capacity/60
// tokens per second. Buckets for idle clients are evicted by a janitor
// goroutine so a spoofed-source flood cannot grow the bucket map without
// bound.
type Limiter struct {
	capacity float64
	mu       sync.Mutex
	buckets  map[string]*bucket
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IdleEvictAfter is how long a client's bucket may sit unused before the
// janitor reclaims it.
const IdleEvictAfter = 5 * time.Minute

// NewLimiter returns a Limiter allowing capacity queries per client IP per
// 60-second window, refilled continuously.
func NewLimiter(capacity int) *Limiter {
	return &Limiter{
		capacity: float64(capacity),
		buckets:  make(map[string]*bucket),
	}
}

// TryConsume reports whether ip has a token available at now, consuming one
// if so. A capacity of zero or less means unlimited.
func (l *Limiter) TryConsume(ip string, now time.Time) bool {
	if l.capacity <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(l.capacity/60), int(l.capacity)),
		}
		l.buckets[ip] = b
	}
	b.lastAccess = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// StartJanitor evicts buckets idle for more than IdleEvictAfter, running
// every period until stop is closed.
func (l *Limiter) StartJanitor(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			l.evictIdle(now)
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if now.Sub(b.lastAccess) > IdleEvictAfter {
			delete(l.buckets, ip)
		}
	}
}

// Size returns the number of tracked client buckets, for tests and metrics.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
