package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager keeps leases as "lock:{id}" keys set with SET NX PX. The key
// holds the token of the current holder.
type RedisManager struct {
	client *redis.Client
	prefix string
}

func NewRedisManager(client *redis.Client, keyPrefix string) *RedisManager {
	return &RedisManager{client: client, prefix: keyPrefix}
}

func (m *RedisManager) key(resourceID string) string {
	return fmt.Sprintf("%slock:%s", m.prefix, resourceID)
}

func (m *RedisManager) Acquire(ctx context.Context, resourceID string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.key(resourceID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", resourceID, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{ResourceID: resourceID, Token: token}, nil
}

func (m *RedisManager) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, m.client, []string{m.key(l.ResourceID)}, l.Token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", l.ResourceID, err)
	}
	return nil
}
