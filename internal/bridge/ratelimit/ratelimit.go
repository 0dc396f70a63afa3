// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package ratelimit provides the token bucket shared by every outbound
// submit, so concurrently running plugins never exceed the platform's
// request rate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

// Default rate limiting values.
const (
	// DefaultRate is the number of requests per second refilled into the bucket.
	DefaultRate = 5.0

	// DefaultBurst is the bucket capacity.
	DefaultBurst = 5

	// MinRate ensures the refill rate is at least 0.1 tokens/second.
	MinRate = 0.1
)

// Clock abstracts time so tests can drive the limiter deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config configures the limiter.
type Config struct {
	// Rate is the sustained requests per second. Defaults to DefaultRate if
	// zero or negative.
	Rate float64

	// Burst is the maximum number of requests allowed at once. Defaults to
	// DefaultBurst if zero or negative.
	Burst int

	// Clock defaults to the wall clock.
	Clock Clock
}

// Limiter is a single token bucket with a retry-after gate in front of it.
// In any window of length T it grants at most Burst + Rate*T requests. It
// is safe for concurrent use.
type Limiter struct {
	rate  float64
	burst int
	clock Clock

	mu           sync.Mutex
	bucket       *rate.Limiter
	blockedUntil time.Time
}

// New creates a limiter with a full bucket.
func New(cfg Config) *Limiter {
	r := cfg.Rate
	if r <= 0 {
		r = DefaultRate
	}
	if r < MinRate {
		r = MinRate
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Limiter{
		rate:   r,
		burst:  burst,
		clock:  clock,
		bucket: rate.NewLimiter(rate.Limit(r), burst),
	}
}

// Reserve consumes one token if available. Otherwise it returns the time
// until a token is expected; the caller must try again after waiting.
func (l *Limiter) Reserve() (ok bool, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Before(l.blockedUntil) {
		return false, l.blockedUntil.Sub(now)
	}
	r := l.bucket.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Wait blocks until a token is granted or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := l.clock.Now()
		if now.Before(l.blockedUntil) {
			d := l.blockedUntil.Sub(now)
			l.mu.Unlock()
			if err := l.sleep(ctx, d); err != nil {
				return err
			}
			continue
		}
		bucket := l.bucket
		r := bucket.ReserveN(now, 1)
		l.mu.Unlock()
		if !r.OK() {
			return oops.In("ratelimit").With("burst", l.burst).Errorf("bucket cannot grant a single token")
		}

		d := r.DelayFrom(now)
		if d == 0 {
			return nil
		}
		if err := l.sleep(ctx, d); err != nil {
			r.CancelAt(l.clock.Now())
			return err
		}

		// A Defer while sleeping retires the bucket this token came from.
		l.mu.Lock()
		granted := l.bucket == bucket && !l.clock.Now().Before(l.blockedUntil)
		l.mu.Unlock()
		if granted {
			return nil
		}
	}
}

func (l *Limiter) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(d):
		return nil
	}
}

// Defer blocks all grants for d and leaves the bucket empty when the block
// lifts, honoring an upstream retry-after. Overlapping calls keep the
// latest deadline.
func (l *Limiter) Defer(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.clock.Now().Add(d)
	if !until.After(l.blockedUntil) {
		return
	}
	l.blockedUntil = until
	bucket := rate.NewLimiter(rate.Limit(l.rate), l.burst)
	bucket.ReserveN(until, l.burst)
	l.bucket = bucket
}

// Rate returns the sustained rate in requests per second.
func (l *Limiter) Rate() float64 {
	return l.rate
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int {
	return l.burst
}
