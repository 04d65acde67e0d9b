// Package ratelimit keeps one token bucket per API subject.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type Limiter struct {
	mu    sync.Mutex
	byKey map[string]*bucket
	now   func() time.Time

	r rate.Limit
	b int
}

// New allows perMinute requests per key with bursts of up to burst.
// perMinute <= 0 disables limiting.
func New(perMinute int, burst int) *Limiter {
	r := rate.Inf
	if perMinute > 0 {
		r = rate.Limit(float64(perMinute) / 60.0)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		byKey: make(map[string]*bucket),
		now:   time.Now,
		r:     r,
		b:     burst,
	}
}

func (l *Limiter) Get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	bk, ok := l.byKey[key]
	if !ok {
		bk = &bucket{lim: rate.NewLimiter(l.r, l.b)}
		l.byKey[key] = bk
	}
	bk.lastSeen = l.now()
	return bk.lim
}

func (l *Limiter) Allow(key string) bool {
	return l.Get(key).AllowN(l.now(), 1)
}

// Sweep drops buckets idle for longer than idle and returns how many were
// dropped. A dropped key starts again with a full burst.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, bk := range l.byKey {
		if bk.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
			n++
		}
	}
	return n
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
