// Package ratelimit implements spec §4.E: a per-(listener, client-IP)
// token bucket with a ban window, kept in a size-bounded LRU table.
// Grounded on the teacher's middlewares/rate_limiter.go
// (golang.org/x/time/rate per client), with the hand-rolled
// map+cleanup-goroutine table replaced by
// github.com/hashicorp/golang-lru/v2 (carried by wudi-gateway) for the
// size-bounded/LRU-eviction property spec §9 calls for.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultTableSize = 8192

// Limiter enforces one token-bucket-with-ban-window policy, shared by
// every client IP hitting the listener it's attached to.
type Limiter struct {
	rps        float64
	burst      int
	banSeconds time.Duration

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	bans    *lru.Cache[string, time.Time]
	now     func() time.Time
}

// New builds a Limiter for the given rps/burst/ban_seconds policy.
func New(rps float64, burst int, banSeconds int64) *Limiter {
	buckets, _ := lru.New[string, *rate.Limiter](defaultTableSize)
	bans, _ := lru.New[string, time.Time](defaultTableSize)
	return &Limiter{
		rps:        rps,
		burst:      burst,
		banSeconds: time.Duration(banSeconds) * time.Second,
		buckets:    buckets,
		bans:       bans,
		now:        time.Now,
	}
}

// Allow reports whether a request from ip may proceed. A banned client
// is rejected without taking a token, per spec §4.E.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, banned := l.bans.Get(ip); banned {
		if now.Before(until) {
			return false
		}
		l.bans.Remove(ip)
	}

	b, ok := l.buckets.Get(ip)
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.buckets.Add(ip, b)
	}

	if b.AllowN(now, 1) {
		return true
	}

	if l.banSeconds > 0 {
		l.bans.Add(ip, now.Add(l.banSeconds))
	}
	return false
}
