package connector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per worker. Workers without a configured
// rate are not throttled.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewLimiter() *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetLimit allows n calls per period for a worker with the given burst. A
// burst of zero defaults to n. n or period <= 0 removes the limit.
func (l *Limiter) SetLimit(workerID string, n int, period time.Duration, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || period <= 0 {
		delete(l.limiters, workerID)
		return
	}
	if burst <= 0 {
		burst = n
	}
	l.limiters[workerID] = rate.NewLimiter(rate.Every(period/time.Duration(n)), burst)
}

// Wait blocks until the worker may start a call and returns how long it
// waited.
func (l *Limiter) Wait(ctx context.Context, workerID string) (time.Duration, error) {
	l.mu.RLock()
	limiter, ok := l.limiters[workerID]
	l.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	start := time.Now()
	err := limiter.Wait(ctx)
	return time.Since(start), err
}

func (l *Limiter) Remove(workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, workerID)
}
