// Package ratelimit provides per-host token-bucket rate limiting plus the
// adaptive manager the HTTP collectors share to slow down under upstream
// pressure.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter provides per-host rate limiting using the token bucket algorithm.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a limiter with the specified RPS and burst capacity.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) getLimiter(host string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[host]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[host]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[host] = limiter
	return limiter
}

// Allow reports whether a request for the host may proceed now.
func (l *Limiter) Allow(host string) bool {
	return l.getLimiter(host).Allow()
}

// Wait blocks until a request for the host is allowed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.getLimiter(host).Wait(ctx)
}

// SetRPS updates the requests per second for all host limiters.
func (l *Limiter) SetRPS(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps = rps
	for _, limiter := range l.limiters {
		limiter.SetLimit(rate.Limit(rps))
	}
}
