package connector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/linkflow/agentflow/internal/observability/metrics"
	"github.com/linkflow/agentflow/internal/queue"
	"github.com/linkflow/agentflow/internal/worker/agent"
)

// gate bounds the calls in flight to one worker. Callers that find every
// slot busy wait in the worker's priority queue; a freed slot passes to the
// highest priority waiter, FIFO among equals.
type gate struct {
	workerID  string
	queueName string
	capacity  int
	queue     queue.Queue
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight int
	waiters  map[string]chan struct{}
}

func newGate(workerID, queueName string, capacity int, q queue.Queue, m *metrics.Metrics, logger *slog.Logger) *gate {
	return &gate{
		workerID:  workerID,
		queueName: queueName,
		capacity:  capacity,
		queue:     q,
		metrics:   m,
		logger:    logger,
		waiters:   make(map[string]chan struct{}),
	}
}

// acquire takes a slot, waiting in priority order when none is free. The
// returned func gives the slot back.
func (g *gate) acquire(ctx context.Context, req *agent.Request) (func(), error) {
	if g.capacity <= 0 {
		g.mu.Lock()
		g.inFlight++
		g.mu.Unlock()
		return g.releaseUnbounded, nil
	}

	g.mu.Lock()
	if g.inFlight < g.capacity && len(g.waiters) == 0 {
		g.inFlight++
		g.mu.Unlock()
		return g.release, nil
	}

	key := uuid.NewString()
	ready := make(chan struct{})
	err := g.queue.Enqueue(ctx, g.queueName, &queue.Item{
		Key:        key,
		WorkflowID: req.WorkflowID,
		TaskID:     req.TaskID,
		Priority:   req.Priority,
	})
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.waiters[key] = ready
	g.dispatchLocked()
	g.mu.Unlock()

	select {
	case <-ready:
		return g.release, nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	if _, waiting := g.waiters[key]; waiting {
		delete(g.waiters, key)
		g.metrics.QueueDepth(g.workerID, len(g.waiters))
		g.mu.Unlock()
		if _, err := g.queue.Remove(context.WithoutCancel(ctx), g.queueName, key); err != nil {
			g.logger.Warn("failed to remove cancelled waiter",
				slog.String("worker_id", g.workerID),
				slog.String("error", err.Error()),
			)
		}
		return nil, ctx.Err()
	}
	g.mu.Unlock()

	// the slot was handed over while we were giving up
	g.release()
	return nil, ctx.Err()
}

// release frees a slot and hands it to the next live waiter.
func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	g.dispatchLocked()
}

// dispatchLocked wakes waiters in queue order while slots are free. Items
// whose waiter already gave up are skipped.
func (g *gate) dispatchLocked() {
	for g.inFlight < g.capacity && len(g.waiters) > 0 {
		item, err := g.queue.Dequeue(context.Background(), g.queueName)
		if err != nil {
			g.logger.Error("failed to dequeue waiter",
				slog.String("worker_id", g.workerID),
				slog.String("error", err.Error()),
			)
			return
		}
		if item == nil {
			return
		}
		ready, ok := g.waiters[item.Key]
		if !ok {
			continue
		}
		delete(g.waiters, item.Key)
		g.inFlight++
		close(ready)
	}
	g.metrics.QueueDepth(g.workerID, len(g.waiters))
}

func (g *gate) releaseUnbounded() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
}

func (g *gate) counts() (inFlight, waiting int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight, len(g.waiters)
}
