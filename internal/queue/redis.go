package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scoreScale separates priority bands; sequence numbers must stay below it
// so that the score remains exact in a float64.
const scoreScale = 1e12

// KeyTTL is refreshed on every enqueue so that the keys of a process that
// exits without Delete eventually expire.
const KeyTTL = 24 * time.Hour

// popScript pops the highest score member and returns its stored payload.
var popScript = redis.NewScript(`
local popped = redis.call("ZPOPMAX", KEYS[1])
if #popped == 0 then
	return false
end
local payload = redis.call("HGET", KEYS[2], popped[1])
redis.call("HDEL", KEYS[2], popped[1])
return payload
`)

// RedisQueue stores each worker's queue as the sorted set "queue:{worker}"
// scored by priority*scale - seq, with payloads in "queue:{worker}:items".
type RedisQueue struct {
	client *redis.Client
	prefix string
}

func NewRedisQueue(client *redis.Client, keyPrefix string) *RedisQueue {
	return &RedisQueue{client: client, prefix: keyPrefix}
}

func (q *RedisQueue) keys(workerID string) (zset, items, seq string) {
	base := fmt.Sprintf("%squeue:%s", q.prefix, workerID)
	return base, base + ":items", base + ":seq"
}

func score(priority int, seq int64) float64 {
	return float64(priority)*scoreScale - float64(seq)
}

func (q *RedisQueue) Enqueue(ctx context.Context, workerID string, item *Item) error {
	if item.Priority < MinPriority || item.Priority > MaxPriority {
		return fmt.Errorf("enqueue %s: %w: %d", workerID, ErrPriorityRange, item.Priority)
	}
	zset, items, seqKey := q.keys(workerID)

	seq, err := q.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", workerID, err)
	}
	item.Seq = seq
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	data, err := json.Marshal(item)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, items, item.Key, data)
		pipe.ZAdd(ctx, zset, redis.Z{Score: score(item.Priority, seq), Member: item.Key})
		for _, key := range []string{zset, items, seqKey} {
			pipe.Expire(ctx, key, KeyTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", workerID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*Item, error) {
	zset, items, _ := q.keys(workerID)

	payload, err := popScript.Run(ctx, q.client, []string{zset, items}).Text()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue %s: %w", workerID, err)
	}

	var item Item
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return nil, fmt.Errorf("dequeue %s: decode item: %w", workerID, err)
	}
	return &item, nil
}

func (q *RedisQueue) Remove(ctx context.Context, workerID, key string) (bool, error) {
	zset, items, _ := q.keys(workerID)

	var removed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, zset, key)
		pipe.HDel(ctx, items, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove %s from %s: %w", key, workerID, err)
	}
	return removed.Val() > 0, nil
}

func (q *RedisQueue) Len(ctx context.Context, workerID string) (int64, error) {
	zset, _, _ := q.keys(workerID)
	return q.client.ZCard(ctx, zset).Result()
}

func (q *RedisQueue) Delete(ctx context.Context, workerID string) error {
	zset, items, seq := q.keys(workerID)
	if err := q.client.Del(ctx, zset, items, seq).Err(); err != nil {
		return fmt.Errorf("delete queue %s: %w", workerID, err)
	}
	return nil
}
