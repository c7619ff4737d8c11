package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/linkflow/agentflow/internal/worker/retry"
)

const releaseTimeout = 5 * time.Second

// HoldOptions configures scoped acquisition.
type HoldOptions struct {
	TTL time.Duration
	// Wait bounds the total time spent retrying Acquire.
	Wait time.Duration
	// RetryInterval is the first backoff delay; it doubles up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// OnAcquire, if set, observes every acquisition outcome.
	OnAcquire func(waited time.Duration, acquired bool)
	Logger    *slog.Logger
}

func DefaultHoldOptions() HoldOptions {
	return HoldOptions{
		TTL:              30 * time.Second,
		Wait:             10 * time.Second,
		RetryInterval:    50 * time.Millisecond,
		MaxRetryInterval: time.Second,
	}
}

// Hold acquires the lease on resourceID, runs fn, and releases the lease on
// every exit path. It returns a *LockTimeoutError when the lease is not
// obtained within opts.Wait.
//
// Release carries the token of this acquisition, so a lease that expired
// while fn ran and was taken by another holder is left alone.
func Hold(ctx context.Context, m Manager, resourceID string, opts HoldOptions, fn func(context.Context) error) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	defaults := DefaultHoldOptions()
	if opts.TTL <= 0 {
		opts.TTL = defaults.TTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaults.RetryInterval
	}
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = defaults.MaxRetryInterval
	}

	start := time.Now()
	l, err := acquire(ctx, m, resourceID, opts)
	if err != nil {
		if opts.OnAcquire != nil {
			opts.OnAcquire(time.Since(start), false)
		}
		return err
	}
	acquiredAt := time.Now()
	if opts.OnAcquire != nil {
		opts.OnAcquire(acquiredAt.Sub(start), true)
	}

	defer func() {
		if held := time.Since(acquiredAt); held >= opts.TTL {
			opts.Logger.Warn("lease expired before release",
				slog.String("resource_id", resourceID),
				slog.Duration("held", held),
				slog.Duration("ttl", opts.TTL),
			)
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := m.Release(releaseCtx, l); err != nil {
			opts.Logger.Error("failed to release lease",
				slog.String("resource_id", resourceID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return fn(ctx)
}

func acquire(ctx context.Context, m Manager, resourceID string, opts HoldOptions) (*Lease, error) {
	policy := &retry.Policy{
		InitialInterval:    opts.RetryInterval,
		BackoffCoefficient: 2,
		MaximumInterval:    opts.MaxRetryInterval,
	}
	deadline := time.Now().Add(opts.Wait)

	for attempt := int32(1); ; attempt++ {
		l, err := m.Acquire(ctx, resourceID, opts.TTL)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &LockTimeoutError{ResourceID: resourceID, Waited: opts.Wait}
		}
		if err := retry.Sleep(ctx, min(retry.CalculateBackoffWithJitter(policy, attempt, 0.5), remaining)); err != nil {
			return nil, err
		}
	}
}
