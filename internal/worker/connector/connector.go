// Package connector dispatches requests to registered workers. Every call
// goes through the worker's version check, slot gate, token bucket and
// retry budget.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow/agentflow/internal/config"
	"github.com/linkflow/agentflow/internal/observability/metrics"
	"github.com/linkflow/agentflow/internal/queue"
	"github.com/linkflow/agentflow/internal/worker/agent"
	"github.com/linkflow/agentflow/internal/worker/retry"
)

var (
	ErrWorkerExecution = errors.New("worker execution failed")
	ErrUnknownWorker   = errors.New("worker not registered")
	ErrInvalidProfile  = errors.New("invalid worker profile")
)

// WorkerExecutionError is returned once the retry budget is spent or a
// non-retryable error stopped the attempts.
type WorkerExecutionError struct {
	WorkerID string
	Attempts int
	Err      error
}

func (e *WorkerExecutionError) Error() string {
	return fmt.Sprintf("worker %s failed after %d attempt(s): %v", e.WorkerID, e.Attempts, e.Err)
}

func (e *WorkerExecutionError) Is(target error) bool {
	return target == ErrWorkerExecution
}

func (e *WorkerExecutionError) Unwrap() error { return e.Err }

// Profile is the registration record of a worker.
type Profile struct {
	ID                 string         `json:"id"`
	Kind               agent.Kind     `json:"kind"`
	APIVersion         string         `json:"api_version"`
	RateLimit          int            `json:"rate_limit"`
	RatePeriod         time.Duration  `json:"rate_period"`
	Burst              int            `json:"burst"`
	MaxConcurrent      int            `json:"max_concurrent"`
	RetryBudget        int            `json:"retry_budget"`
	Timeout            time.Duration  `json:"timeout"`
	InitialBackoff     time.Duration  `json:"initial_backoff"`
	MaxBackoff         time.Duration  `json:"max_backoff"`
	BackoffCoefficient float64        `json:"backoff_coefficient"`
	NonRetryableErrors []string       `json:"non_retryable_errors,omitempty"`
	Specialties        []string       `json:"specialties,omitempty"`
	Breaker            *BreakerConfig `json:"circuit_breaker,omitempty"`
}

// ProfileFromConfig converts a configured worker into a Profile.
func ProfileFromConfig(wc config.WorkerConfig) Profile {
	p := Profile{
		ID:                 wc.ID,
		Kind:               agent.Kind(wc.Kind),
		APIVersion:         wc.APIVersion,
		RateLimit:          wc.RateLimit,
		RatePeriod:         wc.RatePeriod,
		Burst:              wc.Burst,
		MaxConcurrent:      wc.MaxConcurrent,
		RetryBudget:        wc.RetryBudget,
		Timeout:            wc.Timeout,
		InitialBackoff:     wc.InitialBackoff,
		MaxBackoff:         wc.MaxBackoff,
		BackoffCoefficient: wc.BackoffCoefficient,
		NonRetryableErrors: wc.NonRetryableErrors,
		Specialties:        wc.Specialties,
	}
	if wc.CircuitBreaker != nil {
		p.Breaker = &BreakerConfig{
			FailureThreshold: wc.CircuitBreaker.FailureThreshold,
			SuccessThreshold: wc.CircuitBreaker.SuccessThreshold,
			OpenTimeout:      wc.CircuitBreaker.Timeout,
		}
	}
	return p
}

// Slots returns the in-flight bound: the smaller of MaxConcurrent and
// RateLimit, whichever are set. Zero means unbounded.
func (p Profile) Slots() int {
	switch {
	case p.MaxConcurrent > 0 && p.RateLimit > 0:
		return min(p.MaxConcurrent, p.RateLimit)
	case p.MaxConcurrent > 0:
		return p.MaxConcurrent
	default:
		return max(p.RateLimit, 0)
	}
}

func (p Profile) retryPolicy() *retry.Policy {
	policy := retry.DefaultPolicy()
	if p.RetryBudget > 0 {
		policy.MaximumAttempts = int32(p.RetryBudget)
	}
	if p.InitialBackoff > 0 {
		policy.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		policy.MaximumInterval = p.MaxBackoff
	}
	if p.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = p.BackoffCoefficient
	}
	policy.NonRetryableErrors = p.NonRetryableErrors
	return policy
}

// Result is a successful worker call.
type Result struct {
	Output   map[string]any
	Attempts int
	Duration time.Duration
}

// WorkerInfo describes a registered worker for status endpoints.
type WorkerInfo struct {
	Profile  Profile       `json:"profile"`
	Version  string        `json:"version"`
	InFlight int           `json:"in_flight"`
	Waiting  int           `json:"waiting"`
	Breaker  string        `json:"circuit_breaker,omitempty"`
	Stats    StatsSnapshot `json:"stats"`
}

type Options struct {
	// VersionStore defaults to an in-memory store.
	VersionStore VersionStore
	// VersionPolicy is one of the config.VersionPolicy* values; default reject.
	VersionPolicy string
	// Queue orders callers waiting for a slot; defaults to an in-memory queue.
	Queue   queue.Queue
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type worker struct {
	profile Profile
	agent   agent.Agent
	policy  *retry.Policy
	gate    *gate
	breaker *Breaker
	stats   *Stats

	mu       sync.Mutex
	observed string
}

func (w *worker) observedVersion() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.observed
}

func (w *worker) setObserved(v string) {
	w.mu.Lock()
	w.observed = v
	w.mu.Unlock()
}

// Connector owns the registered workers and their dispatch limits.
type Connector struct {
	versions VersionStore
	policy   string
	queue    queue.Queue
	limiter  *Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	instance string

	mu      sync.RWMutex
	workers map[string]*worker
}

func New(opts Options) *Connector {
	if opts.VersionStore == nil {
		opts.VersionStore = NewMemoryVersionStore()
	}
	if opts.VersionPolicy == "" {
		opts.VersionPolicy = config.VersionPolicyReject
	}
	if opts.Queue == nil {
		opts.Queue = queue.NewMemoryQueue(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Connector{
		versions: opts.VersionStore,
		policy:   opts.VersionPolicy,
		queue:    opts.Queue,
		limiter:  NewLimiter(),
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		instance: uuid.NewString(),
		workers:  make(map[string]*worker),
	}
}

// Register initializes a and makes it available under p.ID, publishing
// p.APIVersion to the version store. Registering an existing ID replaces
// the worker and cleans up the previous agent.
func (c *Connector) Register(ctx context.Context, p Profile, a agent.Agent) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidProfile)
	}
	if p.RetryBudget < 0 || p.RateLimit < 0 || p.MaxConcurrent < 0 {
		return fmt.Errorf("%w: %s: negative limit", ErrInvalidProfile, p.ID)
	}

	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize worker %s: %w", p.ID, err)
	}
	if err := c.versions.Set(ctx, p.ID, p.APIVersion); err != nil {
		_ = a.Cleanup(ctx)
		return err
	}

	w := &worker{
		profile:  p,
		agent:    a,
		policy:   p.retryPolicy(),
		gate:     newGate(p.ID, p.ID+"@"+c.instance, p.Slots(), c.queue, c.metrics, c.logger),
		stats:    newStats(),
		observed: p.APIVersion,
	}
	if p.Breaker != nil {
		w.breaker = NewBreaker(*p.Breaker)
	}
	c.limiter.SetLimit(p.ID, p.RateLimit, p.RatePeriod, p.Burst)

	c.mu.Lock()
	prev := c.workers[p.ID]
	c.workers[p.ID] = w
	c.mu.Unlock()

	if prev != nil {
		if err := prev.agent.Cleanup(ctx); err != nil {
			c.logger.Warn("cleanup of replaced worker failed",
				slog.String("worker_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.logger.Info("worker registered",
		slog.String("worker_id", p.ID),
		slog.String("kind", string(p.Kind)),
		slog.String("api_version", p.APIVersion),
		slog.Int("slots", p.Slots()),
		slog.Int("retry_budget", int(w.policy.MaximumAttempts)),
	)
	return nil
}

func (c *Connector) worker(id string) (*worker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[id]
	return w, ok
}

// Has reports whether a worker is registered.
func (c *Connector) Has(id string) bool {
	_, ok := c.worker(id)
	return ok
}

// ExecuteWithRetry calls the worker until it succeeds or the retry budget
// is spent. ctx bounds waiting for a slot and between attempts; a call
// already sent runs to completion or its profile timeout.
func (c *Connector) ExecuteWithRetry(ctx context.Context, workerID string, req *agent.Request) (*Result, error) {
	w, ok := c.worker(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}

	start := time.Now()
	var lastErr error
	attempt := int32(1)
	for ; ; attempt++ {
		if err := c.checkVersion(ctx, w); err != nil {
			return nil, err
		}

		output, err := c.attempt(ctx, w, req, attempt)
		if err == nil {
			return &Result{Output: output, Attempts: int(attempt), Duration: time.Since(start)}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		if !w.policy.ShouldRetry(attempt, err) {
			break
		}

		delay := w.policy.NextRetryDelay(attempt)
		c.logger.Warn("worker attempt failed, retrying",
			slog.String("worker_id", workerID),
			slog.String("task_id", req.TaskID),
			slog.Int("attempt", int(attempt)),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	w.stats.recordExhausted()
	c.logger.Error("worker execution failed",
		slog.String("worker_id", workerID),
		slog.String("task_id", req.TaskID),
		slog.Int("attempts", int(attempt)),
		slog.String("error", lastErr.Error()),
	)
	return nil, &WorkerExecutionError{WorkerID: workerID, Attempts: int(attempt), Err: lastErr}
}

func (c *Connector) attempt(ctx context.Context, w *worker, req *agent.Request, n int32) (map[string]any, error) {
	id := w.profile.ID

	if w.breaker != nil && !w.breaker.Allow() {
		c.metrics.Attempt(id, "circuit_open")
		return nil, fmt.Errorf("worker %s: %w", id, ErrCircuitOpen)
	}

	release, err := w.gate.acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()

	waited, err := c.limiter.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	if waited > 0 {
		c.metrics.RateLimitWaited(id, waited)
	}

	callCtx := context.WithoutCancel(ctx)
	if w.profile.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, w.profile.Timeout)
		defer cancel()
	}

	call := *req
	call.Attempt = n

	c.metrics.InFlight(id, 1)
	start := time.Now()
	resp, err := w.agent.Execute(callCtx, &call)
	if err == nil {
		err = resp.Err(id)
	}
	elapsed := time.Since(start)
	c.metrics.InFlight(id, -1)

	w.stats.recordAttempt(elapsed, err == nil, n > 1)
	if w.breaker != nil {
		if err != nil {
			w.breaker.RecordFailure()
		} else {
			w.breaker.RecordSuccess()
		}
	}
	if err != nil {
		c.metrics.Attempt(id, "failure")
		return nil, err
	}
	c.metrics.Attempt(id, "success")
	return resp.Output, nil
}

// checkVersion compares the worker's registered version with the one this
// process last observed and applies the configured policy on mismatch.
func (c *Connector) checkVersion(ctx context.Context, w *worker) error {
	id := w.profile.ID
	current, err := c.versions.Get(ctx, id)
	if err != nil {
		return err
	}
	observed := w.observedVersion()
	if current == "" || current == observed {
		return nil
	}

	mismatch := &VersionMismatchError{WorkerID: id, Observed: observed, Current: current}

	switch c.policy {
	case config.VersionPolicyWarn:
		c.logger.Warn("worker API version changed, continuing",
			slog.String("worker_id", id),
			slog.String("observed", observed),
			slog.String("current", current),
		)
		w.setObserved(current)
		return nil

	case config.VersionPolicyRenegotiate:
		n, ok := agent.AsNegotiator(w.agent)
		if !ok {
			mismatch.Err = errors.New("worker cannot renegotiate")
			return mismatch
		}
		agreed, err := n.NegotiateVersion(ctx, current)
		if err != nil {
			mismatch.Err = err
			return mismatch
		}
		if err := c.versions.Set(ctx, id, agreed); err != nil {
			return err
		}
		w.setObserved(agreed)
		c.logger.Info("worker API version renegotiated",
			slog.String("worker_id", id),
			slog.String("from", observed),
			slog.String("to", agreed),
		)
		return nil
	}

	return mismatch
}

// Workers describes every registered worker, sorted by id.
func (c *Connector) Workers() []WorkerInfo {
	c.mu.RLock()
	workers := make([]*worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.RUnlock()

	sort.Slice(workers, func(i, j int) bool { return workers[i].profile.ID < workers[j].profile.ID })

	infos := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		inFlight, waiting := w.gate.counts()
		info := WorkerInfo{
			Profile:  w.profile,
			Version:  w.observedVersion(),
			InFlight: inFlight,
			Waiting:  waiting,
			Stats:    w.stats.Snapshot(),
		}
		if w.breaker != nil {
			info.Breaker = w.breaker.State().String()
		}
		infos = append(infos, info)
	}
	return infos
}

// Stats returns the call statistics of a worker.
func (c *Connector) Stats(workerID string) (StatsSnapshot, bool) {
	w, ok := c.worker(workerID)
	if !ok {
		return StatsSnapshot{}, false
	}
	return w.stats.Snapshot(), true
}

// Close cleans up every registered agent and drops the waiter queues owned
// by this connector.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	workers := c.workers
	c.workers = make(map[string]*worker)
	c.mu.Unlock()

	var errs []error
	for id, w := range workers {
		c.limiter.Remove(id)
		if err := w.agent.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup worker %s: %w", id, err))
		}
		if err := c.queue.Delete(ctx, w.gate.queueName); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
