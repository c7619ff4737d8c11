package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisManager(t *testing.T) (*RedisManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisManager(client, "test:"), mr
}

func managers(t *testing.T) map[string]Manager {
	rm, _ := newRedisManager(t)
	return map[string]Manager{
		"memory": NewMemoryManager(),
		"redis":  rm,
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			doc, err := m.Acquire(ctx, "doc", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, doc)
			assert.Equal(t, "doc", doc.ResourceID)

			l, err := m.Acquire(ctx, "doc", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, l, "second acquire must fail while held")

			l, err = m.Acquire(ctx, "other", time.Minute)
			require.NoError(t, err)
			assert.NotNil(t, l, "independent resource")

			require.NoError(t, m.Release(ctx, doc))
			l, err = m.Acquire(ctx, "doc", time.Minute)
			require.NoError(t, err)
			assert.NotNil(t, l, "acquire after release")
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			assert.NoError(t, m.Release(ctx, nil))
			assert.NoError(t, m.Release(ctx, &Lease{ResourceID: "never-held", Token: "t"}))

			a, err := m.Acquire(ctx, "a", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, a)
			b, err := m.Acquire(ctx, "b", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, b)

			assert.NoError(t, m.Release(ctx, a))
			assert.NoError(t, m.Release(ctx, a))

			l, err := m.Acquire(ctx, "b", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, l, "double release of a must not affect b")
		})
	}
}

func TestStaleReleaseKeepsSuccessor(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := m.Acquire(ctx, "doc", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, first)
			require.NoError(t, m.Release(ctx, first))

			second, err := m.Acquire(ctx, "doc", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, second)

			// a late release from the first holder must not drop the second
			require.NoError(t, m.Release(ctx, first))
			l, err := m.Acquire(ctx, "doc", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, l)

			require.NoError(t, m.Release(ctx, second))
			l, err = m.Acquire(ctx, "doc", time.Minute)
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestRedisLeaseExpires(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "doc", time.Second)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.True(t, mr.Exists("test:lock:doc"))

	mr.FastForward(2 * time.Second)

	l, err = m.Acquire(ctx, "doc", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, l, "expired lease can be re-acquired")
}

func TestRedisReleaseAfterExpiryKeepsNewHolder(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()

	old, err := m.Acquire(ctx, "doc", time.Second)
	require.NoError(t, err)
	require.NotNil(t, old)

	mr.FastForward(2 * time.Second)
	current, err := m.Acquire(ctx, "doc", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, current)

	require.NoError(t, m.Release(ctx, old))
	assert.True(t, mr.Exists("test:lock:doc"))

	require.NoError(t, m.Release(ctx, current))
	assert.False(t, mr.Exists("test:lock:doc"))
}

func TestMemoryLeaseExpires(t *testing.T) {
	m := NewMemoryManager()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	old, _ := m.Acquire(ctx, "doc", time.Second)
	require.NotNil(t, old)
	assert.True(t, m.Held("doc"))

	now = now.Add(2 * time.Second)
	assert.False(t, m.Held("doc"))
	current, _ := m.Acquire(ctx, "doc", time.Second)
	require.NotNil(t, current)

	require.NoError(t, m.Release(ctx, old))
	assert.True(t, m.Held("doc"), "expired holder must not release its successor")
}

func TestHoldReleasesOnError(t *testing.T) {
	m := NewMemoryManager()
	boom := errors.New("boom")

	err := Hold(context.Background(), m, "doc", DefaultHoldOptions(), func(context.Context) error {
		assert.True(t, m.Held("doc"))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, m.Held("doc"))
}

func TestHoldReleasesOnPanic(t *testing.T) {
	m := NewMemoryManager()

	func() {
		defer func() { _ = recover() }()
		_ = Hold(context.Background(), m, "doc", DefaultHoldOptions(), func(context.Context) error {
			panic("worker exploded")
		})
	}()

	assert.False(t, m.Held("doc"))
}

func TestHoldTimesOut(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()
	l, _ := m.Acquire(ctx, "doc", time.Minute)
	require.NotNil(t, l)

	var observed atomic.Bool
	opts := HoldOptions{
		TTL:           time.Minute,
		Wait:          50 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
		OnAcquire: func(_ time.Duration, acquired bool) {
			observed.Store(!acquired)
		},
	}
	called := false
	err := Hold(ctx, m, "doc", opts, func(context.Context) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, ErrLockTimeout)
	var lerr *LockTimeoutError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "doc", lerr.ResourceID)
	assert.False(t, called)
	assert.True(t, observed.Load())
	assert.True(t, m.Held("doc"), "timeout must not release someone else's lease")
}

func TestHoldHonoursCancellation(t *testing.T) {
	m := NewMemoryManager()
	_, _ = m.Acquire(context.Background(), "doc", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Hold(ctx, m, "doc", HoldOptions{TTL: time.Minute, Wait: time.Hour, RetryInterval: time.Millisecond}, func(context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHoldIsMutuallyExclusive(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			var (
				inside  atomic.Int32
				overlap atomic.Bool
				wg      sync.WaitGroup
			)
			opts := HoldOptions{TTL: time.Minute, Wait: 5 * time.Second, RetryInterval: time.Millisecond, MaxRetryInterval: 5 * time.Millisecond}

			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := Hold(context.Background(), m, "shared", opts, func(context.Context) error {
						if inside.Add(1) > 1 {
							overlap.Store(true)
						}
						time.Sleep(2 * time.Millisecond)
						inside.Add(-1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			assert.False(t, overlap.Load(), "two holders inside the guarded block")
		})
	}
}
