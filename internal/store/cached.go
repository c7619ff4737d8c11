package store

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkflow/agentflow/internal/workflow"
)

// CacheConfig holds read cache configuration.
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxSize: 1000,
		TTL:     5 * time.Minute,
	}
}

// CachedStore fronts a WorkflowStore with an LRU of finished records.
// Running records always go to the backing store since they still change.
type CachedStore struct {
	next WorkflowStore
	ttl  time.Duration

	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheItem struct {
	id        string
	rec       workflow.Record
	expiresAt time.Time
}

func NewCachedStore(next WorkflowStore, cfg CacheConfig) *CachedStore {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultCacheConfig().MaxSize
	}
	return &CachedStore{
		next:     next,
		ttl:      cfg.TTL,
		capacity: cfg.MaxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *CachedStore) Save(ctx context.Context, rec *workflow.Record) error {
	if err := c.next.Save(ctx, rec); err != nil {
		c.delete(rec.Workflow.ID)
		return err
	}
	if rec.Status == workflow.StatusRunning {
		c.delete(rec.Workflow.ID)
		return nil
	}
	c.set(rec)
	return nil
}

func (c *CachedStore) Get(ctx context.Context, id string) (*workflow.Record, error) {
	if rec, ok := c.get(id); ok {
		c.hits.Add(1)
		return rec, nil
	}
	c.misses.Add(1)

	rec, err := c.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != workflow.StatusRunning {
		c.set(rec)
	}
	return rec, nil
}

// Stats returns the hit and miss counts.
func (c *CachedStore) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedStore) get(id string) (*workflow.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, id)
		return nil, false
	}
	c.order.MoveToFront(elem)
	rec := clone(&item.rec)
	return &rec, true
}

func (c *CachedStore) set(rec *workflow.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := &cacheItem{id: rec.Workflow.ID, rec: clone(rec)}
	if c.ttl > 0 {
		item.expiresAt = time.Now().Add(c.ttl)
	}

	if elem, ok := c.items[item.id]; ok {
		elem.Value = item
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.order.Remove(back)
			delete(c.items, back.Value.(*cacheItem).id)
		}
	}
	c.items[item.id] = c.order.PushFront(item)
}

func (c *CachedStore) delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[id]; ok {
		c.order.Remove(elem)
		delete(c.items, id)
	}
}
