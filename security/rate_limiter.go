package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key, e.g. per webhook source address.
type RateLimiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	config   RateLimitConfig
	cleanup  *time.Timer
	closed   bool
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	IdleTTL           time.Duration
}

func CreateRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 5 * time.Minute
	}
	rl := &RateLimiter{
		limiters: make(map[string]*entry),
		config:   config,
	}
	rl.startCleanup()
	return rl
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.limiters[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = time.Now()

	return e.limiter.Allow()
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, e := range rl.limiters {
		if now.Sub(e.lastSeen) > rl.config.IdleTTL {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimiter) startCleanup() {
	t := time.AfterFunc(rl.config.IdleTTL, func() {
		rl.evictIdle(time.Now())
		rl.startCleanup()
	})
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		t.Stop()
		return
	}
	rl.cleanup = t
}

func (rl *RateLimiter) Close() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.closed = true
	if rl.cleanup != nil {
		rl.cleanup.Stop()
	}
}
