// Package pool runs submitted workflow executions on a fixed set of
// goroutines fed by a bounded queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed    = errors.New("run pool is closed")
	ErrPoolExhausted = errors.New("run pool exhausted")
	ErrDuplicateRun  = errors.New("run already queued or running")
)

// Config holds pool configuration.
type Config struct {
	Workers   int
	QueueSize int
	// RunTimeout bounds a single run; zero means no bound.
	RunTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 64,
	}
}

// Run is one unit of work keyed by workflow id.
type Run struct {
	ID      string
	Execute func(context.Context) error
}

// RunState is the pool-side state of an accepted run.
type RunState string

const (
	RunQueued  RunState = "queued"
	RunRunning RunState = "running"
)

// Pool executes runs with at most Workers in parallel.
type Pool struct {
	config Config
	logger *slog.Logger

	runs      chan *Run
	active    atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64

	mu      sync.RWMutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	states  map[string]RunState
	wg      sync.WaitGroup
}

func New(config Config, logger *slog.Logger) *Pool {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		config: config,
		logger: logger,
		runs:   make(chan *Run, config.QueueSize),
		states: make(map[string]RunState),
	}
}

// Start launches the workers. Runs inherit ctx.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pool already running")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}

	p.logger.Info("run pool started",
		slog.Int("workers", p.config.Workers),
		slog.Int("queue_size", p.config.QueueSize),
	)
	return nil
}

// Stop refuses new runs, lets queued and in-flight runs finish, and waits
// for the workers until ctx is done, at which point the remaining runs are
// cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	close(p.runs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
	p.cancel()

	p.logger.Info("run pool stopped",
		slog.Int64("completed", p.completed.Load()),
		slog.Int64("failed", p.failed.Load()),
	)
	return nil
}

// Submit queues run without blocking.
func (p *Pool) Submit(run *Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrPoolClosed
	}
	if _, exists := p.states[run.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.ID)
	}

	select {
	case p.runs <- run:
		p.states[run.ID] = RunQueued
		return nil
	default:
		return ErrPoolExhausted
	}
}

// State reports whether the run with id is queued or running.
func (p *Pool) State(id string) (RunState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.states[id]
	return s, ok
}

func (p *Pool) setState(id string, s RunState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == "" {
		delete(p.states, id)
		return
	}
	p.states[id] = s
}

func (p *Pool) worker(ctx context.Context) {
	for run := range p.runs {
		p.execute(ctx, run)
	}
}

func (p *Pool) execute(ctx context.Context, run *Run) {
	p.setState(run.ID, RunRunning)
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.setState(run.ID, "")
	}()

	if p.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.RunTimeout)
		defer cancel()
	}

	if err := run.Execute(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Error("run failed",
			slog.String("workflow_id", run.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.completed.Add(1)
}

// Metrics holds pool counters.
type Metrics struct {
	Workers       int   `json:"workers"`
	Active        int   `json:"active"`
	QueueSize     int   `json:"queue_size"`
	QueueCapacity int   `json:"queue_capacity"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
}

func (p *Pool) Metrics() Metrics {
	return Metrics{
		Workers:       p.config.Workers,
		Active:        int(p.active.Load()),
		QueueSize:     len(p.runs),
		QueueCapacity: cap(p.runs),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
	}
}
