package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RateLimiter paces successive scrape units.
type RateLimiter interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)

	// RecordRateLimit doubles the current delay window after the site asked
	// us to slow down (HTTP 429). RecordSuccess gradually relaxes it back
	// toward the configured baseline.
	RecordRateLimit()
	RecordSuccess()
}

type SimpleRateLimiter struct {
	baseMin    time.Duration
	baseMax    time.Duration
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	successes  int
	mu         sync.Mutex
	jitter     bool
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &SimpleRateLimiter{
		baseMin:  minDelay,
		baseMax:  maxDelay,
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
	}
}

func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	elapsed := time.Since(r.lastAction)
	delay := r.calculateDelay()
	r.mu.Unlock()

	if elapsed < delay {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay - elapsed):
		}
	}

	r.mu.Lock()
	r.lastAction = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *SimpleRateLimiter) SetDelay(min, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max < min {
		max = min
	}
	r.baseMin, r.baseMax = min, max
	r.minDelay, r.maxDelay = min, max
}

// RecordRateLimit doubles the delay window, capped at 2 minutes.
func (r *SimpleRateLimiter) RecordRateLimit() {
	r.mu.Lock()
	defer r.mu.Unlock()

	const maxWindow = 2 * time.Minute
	r.minDelay *= 2
	r.maxDelay *= 2
	if r.minDelay > maxWindow {
		r.minDelay = maxWindow
	}
	if r.maxDelay > maxWindow {
		r.maxDelay = maxWindow
	}
	r.successes = 0
}

// RecordSuccess relaxes the window back to the baseline after a run of
// consecutive successes.
func (r *SimpleRateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.successes++
	if r.successes < 5 {
		return
	}
	r.successes = 0

	r.minDelay = time.Duration(float64(r.minDelay) * 0.75)
	r.maxDelay = time.Duration(float64(r.maxDelay) * 0.75)
	if r.minDelay < r.baseMin {
		r.minDelay = r.baseMin
	}
	if r.maxDelay < r.baseMax {
		r.maxDelay = r.baseMax
	}
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if !r.jitter || r.minDelay >= r.maxDelay {
		return r.minDelay
	}

	delta := r.maxDelay - r.minDelay
	return r.minDelay + time.Duration(rand.Int63n(int64(delta)))
}
