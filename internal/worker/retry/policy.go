// Package retry holds the retry budget and backoff schedule shared by the
// worker connector and the lease helper.
package retry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// Policy bounds the attempts made against a worker. MaximumAttempts counts
// every attempt, the first one included. An error whose message contains
// any of NonRetryableErrors is not retried.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int32
	NonRetryableErrors []string
}

func DefaultPolicy() *Policy {
	return &Policy{
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    3,
	}
}

func (p *Policy) NextRetryDelay(attempt int32) time.Duration {
	return CalculateBackoff(p, attempt)
}

// ShouldRetry reports whether another attempt may follow attempt (1-based)
// which failed with err.
func (p *Policy) ShouldRetry(attempt int32, err error) bool {
	if attempt >= p.MaximumAttempts {
		return false
	}
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := err.Error()
	if slices.ContainsFunc(p.NonRetryableErrors, func(s string) bool { return strings.Contains(msg, s) }) {
		return false
	}
	return true
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or an error it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
