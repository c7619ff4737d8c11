// Package queue provides per-worker max-priority queues for requests that
// are waiting for a worker slot.
//
// Dequeue returns the highest priority item; items of equal priority come
// out in enqueue order.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull     = errors.New("queue is full")
	ErrPriorityRange = errors.New("priority out of range")
)

// Priority bounds of the durable queue's score encoding. MemoryQueue accepts
// any priority.
const (
	MinPriority = -1000
	MaxPriority = 1000
)

// Item is a queued request.
type Item struct {
	Key        string    `json:"key"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Seq        int64     `json:"seq"`

	index int // for heap
}

// Queue is a set of named priority queues, one per worker.
type Queue interface {
	Enqueue(ctx context.Context, workerID string, item *Item) error
	// Dequeue returns nil, nil when the worker's queue is empty.
	Dequeue(ctx context.Context, workerID string) (*Item, error)
	// Remove drops the item with key, reporting whether it was queued.
	Remove(ctx context.Context, workerID, key string) (bool, error)
	Len(ctx context.Context, workerID string) (int64, error)
	// Delete drops the worker's queue and everything still in it.
	Delete(ctx context.Context, workerID string) error
}
