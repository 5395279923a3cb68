package p2p

import (
	"math"
	"sync"
	"time"
)

type tokenBucket struct {
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	mu       sync.Mutex
}

func newTokenBucket(rate float64, burst float64) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if burst < rate {
		burst = rate
	}
	now := time.Now()
	return &tokenBucket{
		capacity: burst,
		tokens:   burst,
		rate:     rate,
		last:     now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

func (b *tokenBucket) refillLocked(now time.Time) {
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

type ipLimiterEntry struct {
	bucket   *tokenBucket
	lastUsed time.Time
}

// ipRateLimiter throttles admission attempts per source IP. Buckets idle past
// the retention window are pruned so hostile address churn cannot grow the map
// without bound.
type ipRateLimiter struct {
	rate      float64
	burst     float64
	retention time.Duration

	mu     sync.Mutex
	limits map[string]*ipLimiterEntry
}

func newIPRateLimiter(rate float64, burst float64) *ipRateLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ipRateLimiter{
		rate:      rate,
		burst:     burst,
		retention: 10 * time.Minute,
		limits:    make(map[string]*ipLimiterEntry),
	}
}

func (l *ipRateLimiter) allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry := l.limits[ip]
	if entry == nil {
		entry = &ipLimiterEntry{bucket: newTokenBucket(l.rate, l.burst)}
		l.limits[ip] = entry
	}
	entry.lastUsed = now
	l.mu.Unlock()

	return entry.bucket.allow(now)
}

// prune drops buckets untouched for the retention window and returns the
// number removed.
func (l *ipRateLimiter) prune(now time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, entry := range l.limits {
		if now.Sub(entry.lastUsed) > l.retention {
			delete(l.limits, ip)
			removed++
		}
	}
	return removed
}

func (l *ipRateLimiter) size() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limits)
}
