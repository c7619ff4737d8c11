// Package lease provides TTL-bounded exclusive claims on resource ids.
//
// A lease is held by at most one holder until it is released or expires.
// Expiry bounds the damage of a crashed holder at the cost of a short window
// in which a slow holder and a new one may overlap.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrLockTimeout = errors.New("resource lock timeout")

// LockTimeoutError reports a lease that could not be obtained within the
// bounded wait.
type LockTimeoutError struct {
	ResourceID string
	Waited     time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("resource lock timeout: %s not acquired after %s", e.ResourceID, e.Waited)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// Lease is a claim obtained from a Manager. Token identifies the holder;
// Release drops the lease only while it still carries that token, so a
// holder whose lease expired cannot release its successor's.
type Lease struct {
	ResourceID string
	Token      string
}

// Manager acquires and releases leases.
//
// Acquire is a non-blocking set-if-absent with expiry. It returns nil, nil
// when the lease is held by someone else. Releasing a nil, expired or
// already released lease is a no-op.
type Manager interface {
	Acquire(ctx context.Context, resourceID string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, l *Lease) error
}
