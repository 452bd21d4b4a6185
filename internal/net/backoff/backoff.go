// Package backoff is the shared retry helper: exponential backoff with
// jitter, capped delay, and error classification so callers can decide which
// failures are worth retrying.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// Kind classifies an error for retry and metrics purposes.
type Kind string

const (
	KindTransient   Kind = "transient"    // connection refused, timeout, 5xx
	KindRateLimited Kind = "rate_limited" // explicit upstream throttle
	KindProtocol    Kind = "protocol"     // malformed payload, schema mismatch
	KindConstraint  Kind = "constraint"   // duplicate key, expected under replay
	KindFatal       Kind = "fatal"        // not retryable
)

// Error carries a classification alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Classify wraps err with a kind.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification; unclassified errors are treated as
// transient so plain network errors keep their retry budget.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindTransient
}

// Retryable reports whether a retry can possibly help.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// Policy controls the retry loop.
type Policy struct {
	MaxRetries int           // attempts beyond the first, default 3
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 30s
	Jitter     bool          // multiply delay by [0.5, 1.5)
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay computes the backoff delay for an attempt (0-based):
// min(base * 2^attempt, max) * jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// Do runs op until it succeeds, exhausts the retry budget, or hits a
// non-retryable error. The last error is returned classified.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.withDefaults()
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
