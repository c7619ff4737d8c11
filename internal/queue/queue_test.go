package queue

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test:")
}

func implementations(t *testing.T) map[string]Queue {
	return map[string]Queue{
		"memory": NewMemoryQueue(0),
		"redis":  newRedisQueue(t),
	}
}

func drain(t *testing.T, q Queue, worker string) []string {
	t.Helper()
	var keys []string
	for {
		item, err := q.Dequeue(context.Background(), worker)
		require.NoError(t, err)
		if item == nil {
			return keys
		}
		keys = append(keys, item.Key)
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, it := range []struct {
				key      string
				priority int
			}{
				{"low-1", 1}, {"high-1", 9}, {"low-2", 1}, {"mid", 5}, {"high-2", 9}, {"neg", -3},
			} {
				require.NoError(t, q.Enqueue(ctx, "writer", &Item{Key: it.key, Priority: it.priority}))
			}

			n, err := q.Len(ctx, "writer")
			require.NoError(t, err)
			assert.Equal(t, int64(6), n)

			assert.Equal(t, []string{"high-1", "high-2", "mid", "low-1", "low-2", "neg"}, drain(t, q, "writer"))
		})
	}
}

func TestQueue_EmptyAndPerWorker(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			item, err := q.Dequeue(ctx, "nobody")
			require.NoError(t, err)
			assert.Nil(t, item)

			require.NoError(t, q.Enqueue(ctx, "a", &Item{Key: "a1", TaskID: "T1", WorkflowID: "W", Priority: 1}))
			require.NoError(t, q.Enqueue(ctx, "b", &Item{Key: "b1", Priority: 1}))

			item, err = q.Dequeue(ctx, "a")
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, "a1", item.Key)
			assert.Equal(t, "T1", item.TaskID)
			assert.Equal(t, "W", item.WorkflowID)
			assert.False(t, item.EnqueuedAt.IsZero())

			assert.Equal(t, []string{"b1"}, drain(t, q, "b"))
		})
	}
}

func TestQueue_Remove(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				require.NoError(t, q.Enqueue(ctx, "w", &Item{Key: fmt.Sprintf("k%d", i), Priority: i}))
			}

			ok, err := q.Remove(ctx, "w", "k2")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = q.Remove(ctx, "w", "k2")
			require.NoError(t, err)
			assert.False(t, ok)

			assert.Equal(t, []string{"k3", "k1", "k0"}, drain(t, q, "w"))
		})
	}
}

func TestMemoryQueue_UnboundedPriority(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "w", &Item{Key: "p2000", Priority: 2000}))
	require.NoError(t, q.Enqueue(ctx, "w", &Item{Key: "p5000", Priority: 5000}))
	require.NoError(t, q.Enqueue(ctx, "w", &Item{Key: "max", Priority: MaxPriority}))

	item, err := q.Dequeue(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, "p5000", item.Key)
	assert.Equal(t, 5000, item.Priority)
	assert.Equal(t, []string{"p2000", "max"}, drain(t, q, "w"))
}

func TestRedisQueue_RejectsPriorityOutsideScore(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()

	err := q.Enqueue(ctx, "w", &Item{Key: "huge", Priority: MaxPriority + 1})
	assert.ErrorIs(t, err, ErrPriorityRange)
	err = q.Enqueue(ctx, "w", &Item{Key: "tiny", Priority: MinPriority - 1})
	assert.ErrorIs(t, err, ErrPriorityRange)

	require.NoError(t, q.Enqueue(ctx, "w", &Item{Key: "low", Priority: MinPriority}))
	require.NoError(t, q.Enqueue(ctx, "w", &Item{Key: "high", Priority: MaxPriority}))
	assert.Equal(t, []string{"high", "low"}, drain(t, q, "w"))
}

func TestQueue_Delete(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, "w", &Item{Key: "k1"}))
			require.NoError(t, q.Enqueue(ctx, "other", &Item{Key: "k2"}))

			require.NoError(t, q.Delete(ctx, "w"))
			n, err := q.Len(ctx, "w")
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Equal(t, []string{"k2"}, drain(t, q, "other"))
			assert.NoError(t, q.Delete(ctx, "never-used"))
		})
	}
}

func TestRedisQueue_KeysExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedisQueue(client, "test:")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "w", &Item{Key: "k1"}))
	for _, key := range []string{"test:queue:w", "test:queue:w:items", "test:queue:w:seq"} {
		assert.Equal(t, KeyTTL, mr.TTL(key), key)
	}

	mr.FastForward(KeyTTL + time.Second)
	assert.Empty(t, mr.Keys())
}

func TestMemoryQueue_Capacity(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "w", &Item{Key: "a"}))
	assert.ErrorIs(t, q.Enqueue(ctx, "w", &Item{Key: "b"}), ErrQueueFull)
	assert.NoError(t, q.Enqueue(ctx, "other", &Item{Key: "b"}))
}

func TestProperty_DequeueOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("dequeue yields a stable sort by descending priority", prop.ForAll(
		func(priorities []int) bool {
			q := NewMemoryQueue(0)
			ctx := context.Background()

			type entry struct {
				key      string
				priority int
			}
			entries := make([]entry, len(priorities))
			for i, p := range priorities {
				entries[i] = entry{key: fmt.Sprintf("k%03d", i), priority: p}
				if err := q.Enqueue(ctx, "w", &Item{Key: entries[i].key, Priority: p}); err != nil {
					return false
				}
			}
			sort.SliceStable(entries, func(i, j int) bool { return entries[i].priority > entries[j].priority })

			for _, want := range entries {
				got, err := q.Dequeue(ctx, "w")
				if err != nil || got == nil || got.Key != want.key {
					return false
				}
			}
			last, err := q.Dequeue(ctx, "w")
			return err == nil && last == nil
		},
		gen.SliceOf(gen.IntRange(-5000, 5000)),
	))

	properties.TestingRun(t)
}
