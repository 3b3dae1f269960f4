package drt

import (
	"net/netip"
	"sync"
	"time"
)

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func (b *tokenBucket) allow(now time.Time, rate float64, burst float64, cost float64) bool {
	if b.last.IsZero() {
		b.last = now
		b.tokens = burst
	}
	elapsed := now.Sub(b.last).Seconds()
	b.last = now

	// refill
	b.tokens += elapsed * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// RateLimit bounds inbound datagrams per source address.
type RateLimit struct {
	PerSecond float64
	Burst     float64
}

func DefaultRateLimit() RateLimit { return RateLimit{PerSecond: 50, Burst: 100} }

const limiterIdle = 2 * time.Minute

type rateLimiter struct {
	cfg RateLimit

	mu        sync.Mutex
	buckets   map[netip.AddrPort]*tokenBucket
	lastPrune time.Time
}

func newRateLimiter(cfg RateLimit) *rateLimiter {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = DefaultRateLimit().PerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultRateLimit().Burst
	}
	return &rateLimiter{cfg: cfg, buckets: make(map[netip.AddrPort]*tokenBucket)}
}

func (l *rateLimiter) allow(from netip.AddrPort, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > limiterIdle {
		for a, b := range l.buckets {
			if now.Sub(b.last) > limiterIdle {
				delete(l.buckets, a)
			}
		}
		l.lastPrune = now
	}

	b := l.buckets[from]
	if b == nil {
		b = &tokenBucket{}
		l.buckets[from] = b
	}
	return b.allow(now, l.cfg.PerSecond, l.cfg.Burst, 1)
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
