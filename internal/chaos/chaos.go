// Package chaos injects faults into worker calls so retry and cascade
// behavior can be exercised against otherwise healthy agents.
package chaos

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkflow/agentflow/internal/worker/agent"
)

var (
	ErrInjected      = errors.New("chaos: injected error")
	ErrInvalidConfig = errors.New("chaos: failure rate must be between 0 and 1")
)

// Config holds the faults applied to every call.
type Config struct {
	FailureRate float64 // 0.0 to 1.0
	Latency     time.Duration
	Seed        int64
	Logger      *slog.Logger
}

// Agent wraps another agent and injects latency and errors before
// delegating to it. Injected errors are retryable.
type Agent struct {
	id       string
	inner    agent.Agent
	cfg      Config
	logger   *slog.Logger
	rng      *rand.Rand
	mu       sync.Mutex
	injected atomic.Int64
}

func Wrap(id string, inner agent.Agent, cfg Config) (*Agent, error) {
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, ErrInvalidConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Agent{
		id:     id,
		inner:  inner,
		cfg:    cfg,
		logger: cfg.Logger,
		rng:    rand.New(rand.NewSource(seed)),
	}, nil
}

func (a *Agent) Initialize(ctx context.Context) error {
	return a.inner.Initialize(ctx)
}

func (a *Agent) Execute(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	if a.cfg.Latency > 0 {
		timer := time.NewTimer(a.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if a.roll() {
		a.injected.Add(1)
		a.logger.Info("fault injected",
			slog.String("agent_id", a.id),
			slog.String("task_id", req.TaskID),
			slog.Int("attempt", int(req.Attempt)),
		)
		return nil, ErrInjected
	}

	return a.inner.Execute(ctx, req)
}

func (a *Agent) Cleanup(ctx context.Context) error {
	return a.inner.Cleanup(ctx)
}

func (a *Agent) Unwrap() agent.Agent {
	return a.inner
}

// Injected returns the number of faults injected so far.
func (a *Agent) Injected() int64 {
	return a.injected.Load()
}

func (a *Agent) roll() bool {
	if a.cfg.FailureRate <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64() < a.cfg.FailureRate
}
