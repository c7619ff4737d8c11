package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// priorityQueue implements heap.Interface: higher priority first, then
// lower sequence number.
type priorityQueue struct {
	items []*Item
	byKey map[string]*Item
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	if pq.items[i].Priority != pq.items[j].Priority {
		return pq.items[i].Priority > pq.items[j].Priority
	}
	return pq.items[i].Seq < pq.items[j].Seq
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*Item)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
	pq.byKey[item.Key] = item
}

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[:n-1]
	delete(pq.byKey, item.Key)
	return item
}

// MemoryQueue keeps per-worker heaps in process memory. Items are lost on
// restart.
type MemoryQueue struct {
	mu       sync.Mutex
	queues   map[string]*priorityQueue
	capacity int
	seq      int64
}

// NewMemoryQueue creates a queue set; capacity bounds each worker's queue
// (0 means unbounded).
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		queues:   make(map[string]*priorityQueue),
		capacity: capacity,
	}
}

func (q *MemoryQueue) queue(workerID string) *priorityQueue {
	pq, ok := q.queues[workerID]
	if !ok {
		pq = &priorityQueue{byKey: make(map[string]*Item)}
		q.queues[workerID] = pq
	}
	return pq
}

func (q *MemoryQueue) Enqueue(ctx context.Context, workerID string, item *Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	pq := q.queue(workerID)
	if q.capacity > 0 && pq.Len() >= q.capacity {
		return ErrQueueFull
	}

	q.seq++
	item.Seq = q.seq
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	heap.Push(pq, item)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.queues[workerID]
	if !ok || pq.Len() == 0 {
		return nil, nil
	}
	return heap.Pop(pq).(*Item), nil
}

func (q *MemoryQueue) Remove(_ context.Context, workerID, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.queues[workerID]
	if !ok {
		return false, nil
	}
	item, ok := pq.byKey[key]
	if !ok {
		return false, nil
	}
	heap.Remove(pq, item.index)
	return true, nil
}

func (q *MemoryQueue) Len(_ context.Context, workerID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pq, ok := q.queues[workerID]; ok {
		return int64(pq.Len()), nil
	}
	return 0, nil
}

func (q *MemoryQueue) Delete(_ context.Context, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, workerID)
	return nil
}
