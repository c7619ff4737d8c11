// Package scheduler runs a workflow level by level. Tasks of a level run
// concurrently; the first failure cancels every task that has not yet
// settled and every later level.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/linkflow/agentflow/internal/events"
	"github.com/linkflow/agentflow/internal/execution/graph"
	"github.com/linkflow/agentflow/internal/lease"
	"github.com/linkflow/agentflow/internal/observability/metrics"
	"github.com/linkflow/agentflow/internal/store"
	"github.com/linkflow/agentflow/internal/transform"
	"github.com/linkflow/agentflow/internal/worker/agent"
	"github.com/linkflow/agentflow/internal/worker/connector"
	"github.com/linkflow/agentflow/internal/workflow"
)

const saveTimeout = 10 * time.Second

// Dispatcher sends one task to its worker, retrying within the worker's
// budget. *connector.Connector implements it.
type Dispatcher interface {
	Has(workerID string) bool
	ExecuteWithRetry(ctx context.Context, workerID string, req *agent.Request) (*connector.Result, error)
}

// Options wires the optional collaborators of an Executor.
type Options struct {
	// Leases defaults to an in-process lease manager.
	Leases lease.Manager
	Lease  lease.HoldOptions
	// Transforms holds the schema of every worker a task may target and
	// the rules mapping producer output onto consumer input. Without it no
	// schema is registered and every workflow is rejected.
	Transforms *transform.Registry
	Store      store.WorkflowStore
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Executor drives workflow executions.
type Executor struct {
	dispatcher Dispatcher
	leases     lease.Manager
	holdOpts   lease.HoldOptions
	transforms *transform.Registry
	store      store.WorkflowStore
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func New(d Dispatcher, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Leases == nil {
		opts.Leases = lease.NewMemoryManager()
	}
	if opts.Lease.Logger == nil {
		opts.Lease.Logger = opts.Logger
	}
	if opts.Transforms == nil {
		opts.Transforms = transform.NewRegistry()
	}
	return &Executor{
		dispatcher: d,
		leases:     opts.Leases,
		holdOpts:   opts.Lease,
		transforms: opts.Transforms,
		store:      opts.Store,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// Result is the outcome of one execution. Tasks are listed in plan order.
type Result struct {
	WorkflowID string                `json:"workflow_id"`
	Status     workflow.Status       `json:"status"`
	Levels     [][]string            `json:"levels"`
	Tasks      []workflow.TaskResult `json:"tasks"`
	FailedTask string                `json:"failed_task,omitempty"`
	Error      string                `json:"error,omitempty"`
	Duration   time.Duration         `json:"duration"`
}

// Task returns the result of the task with id.
func (r *Result) Task(id string) (workflow.TaskResult, bool) {
	for _, t := range r.Tasks {
		if t.TaskID == id {
			return t, true
		}
	}
	return workflow.TaskResult{}, false
}

// Prepare validates wf and computes its levels without running anything.
// It returns the structural errors Execute would return.
func (e *Executor) Prepare(wf *workflow.Workflow) ([][]string, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	levels, err := graph.Plan(wf.Tasks)
	if err != nil {
		return nil, err
	}
	if err := e.checkWorkers(wf); err != nil {
		return nil, err
	}
	return levels, nil
}

// checkWorkers requires every task to target a registered worker with a
// schema, which covers both ends of every dependency edge, and resolves
// every named transform before any task runs.
func (e *Executor) checkWorkers(wf *workflow.Workflow) error {
	for i := range wf.Tasks {
		t := &wf.Tasks[i]
		if !e.dispatcher.Has(t.AgentID) {
			return fmt.Errorf("task %s: %w: %s", t.ID, connector.ErrUnknownWorker, t.AgentID)
		}
		if err := e.transforms.CheckSchemas(t.AgentID); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		for _, dep := range t.Dependencies {
			for _, name := range transformNames(dep) {
				if !e.transforms.HasNamed(name) {
					return &workflow.ValidationError{
						TaskID:  t.ID,
						Field:   "dependencies",
						Message: fmt.Sprintf("unknown transform %q", name),
					}
				}
			}
		}
	}
	return nil
}

func transformNames(dep workflow.Dependency) []string {
	names := make([]string, 0, 1+len(dep.TransformRules))
	if dep.Transform != "" {
		names = append(names, dep.Transform)
	}
	for _, n := range dep.TransformRules {
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

// Execute runs wf to completion. Only structural problems (validation,
// cycles, unregistered workers or schemas) return an error, and they do so before any task
// is dispatched. Task failures are reported in the Result.
func (e *Executor) Execute(ctx context.Context, wf *workflow.Workflow) (*Result, error) {
	levels, err := e.Prepare(wf)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	run := newRun(wf, levels)
	record := &workflow.Record{
		Workflow:  *wf,
		Status:    workflow.StatusRunning,
		CreatedAt: start,
		UpdatedAt: start,
	}
	if err := e.save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}
	e.publishWorkflow(wf.ID, workflow.StatusRunning, "")

	e.logger.Info("starting workflow execution",
		slog.String("workflow_id", wf.ID),
		slog.Int("task_count", len(wf.Tasks)),
		slog.Int("level_count", len(levels)),
	)

	for i, level := range levels {
		if trigger, failed := run.failure(); failed || ctx.Err() != nil {
			for _, id := range level {
				e.settle(run, id, i, workflow.TaskCancelled, nil, "", 0, trigger, 0)
			}
			continue
		}
		e.runLevel(ctx, run, i, level)
	}

	res := &Result{
		WorkflowID: wf.ID,
		Status:     workflow.StatusCompleted,
		Levels:     levels,
		Tasks:      run.ordered(),
		Duration:   time.Since(start),
	}
	if trigger, failed := run.failure(); failed {
		res.Status = workflow.StatusFailed
		res.FailedTask = trigger
		res.Error = run.failErr
	} else if err := ctx.Err(); err != nil {
		res.Status = workflow.StatusFailed
		res.Error = err.Error()
	}

	record.Status = res.Status
	record.Results = res.Tasks
	record.FailedTask = res.FailedTask
	record.Error = res.Error
	record.UpdatedAt = time.Now()
	if err := e.save(ctx, record); err != nil {
		e.logger.Error("failed to save workflow result",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
	}
	e.publishWorkflow(wf.ID, res.Status, res.Error)
	e.metrics.WorkflowFinished(string(res.Status), res.Duration)

	e.logger.Info("workflow execution finished",
		slog.String("workflow_id", wf.ID),
		slog.String("status", string(res.Status)),
		slog.String("failed_task", res.FailedTask),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// runLevel starts every task of the level and waits for all of them. The
// level context is cancelled by the first failure.
func (e *Executor) runLevel(ctx context.Context, run *runState, index int, level []string) {
	levelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range level {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			e.runTask(levelCtx, cancel, run, index, id)
		}(id)
	}
	wg.Wait()
}

func (e *Executor) runTask(ctx context.Context, cancel context.CancelFunc, run *runState, level int, id string) {
	task := run.tasks[id]
	start := time.Now()
	e.publishTask(run.wf.ID, task, workflow.TaskPending, "")

	if ctx.Err() != nil {
		trigger, _ := run.failure()
		e.settle(run, id, level, workflow.TaskCancelled, nil, "", 0, trigger, 0)
		return
	}

	var (
		output   map[string]any
		attempts int
	)
	body := func(ctx context.Context) error {
		e.publishTask(run.wf.ID, task, workflow.TaskTransforming, "")
		input, err := e.buildInput(run, task)
		if err != nil {
			return err
		}

		e.publishTask(run.wf.ID, task, workflow.TaskDispatched, "")
		res, err := e.dispatcher.ExecuteWithRetry(ctx, task.AgentID, &agent.Request{
			WorkflowID: run.wf.ID,
			TaskID:     task.ID,
			AgentID:    task.AgentID,
			Priority:   task.Priority,
			Data:       input,
		})
		if err != nil {
			var execErr *connector.WorkerExecutionError
			if errors.As(err, &execErr) {
				attempts = execErr.Attempts
			}
			return err
		}
		output = res.Output
		attempts = res.Attempts
		return nil
	}

	var err error
	if task.ResourceID != "" {
		opts := e.holdOpts
		opts.OnAcquire = func(waited time.Duration, acquired bool) {
			e.metrics.LeaseWaited(waited, acquired)
			if acquired {
				e.publishTask(run.wf.ID, task, workflow.TaskLocked, "")
			}
		}
		err = lease.Hold(ctx, e.leases, task.ResourceID, opts, body)
	} else {
		err = body(ctx)
	}
	elapsed := time.Since(start)

	switch {
	case ctx.Err() != nil:
		// Settled after the level was cancelled; any output is discarded.
		trigger, _ := run.failure()
		e.settle(run, id, level, workflow.TaskCancelled, nil, "", elapsed, trigger, attempts)
	case err != nil:
		if run.fail(id, err) {
			cancel()
		}
		e.logger.Error("task failed",
			slog.String("workflow_id", run.wf.ID),
			slog.String("task_id", id),
			slog.String("agent_id", task.AgentID),
			slog.String("error", err.Error()),
		)
		e.settle(run, id, level, workflow.TaskFailed, nil, err.Error(), elapsed, "", attempts)
	default:
		run.setOutput(id, output)
		e.settle(run, id, level, workflow.TaskCompleted, output, "", elapsed, "", attempts)
	}
}

// buildInput filters each producer output to the fragments the task
// requires, applies the transforms for the producer/consumer pair, and
// overlays the task's own data.
func (e *Executor) buildInput(run *runState, task *workflow.Task) (map[string]any, error) {
	input := make(map[string]any, len(task.Data))
	for _, dep := range task.Dependencies {
		producer := run.tasks[dep.TaskID]
		filtered, err := transform.FilterFragments(run.output(dep.TaskID), task.Fragments(dep))
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep.TaskID, err)
		}
		filtered, err = e.transforms.TransformNamed(filtered, producer.AgentID, task.AgentID, transformNames(dep)...)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep.TaskID, err)
		}
		maps.Copy(input, filtered)
	}
	maps.Copy(input, task.Data)
	return input, nil
}

func (e *Executor) settle(run *runState, id string, level int, status workflow.TaskStatus, output map[string]any, errMsg string, elapsed time.Duration, cancelledBy string, attempts int) {
	task := run.tasks[id]
	run.setResult(workflow.TaskResult{
		TaskID:        id,
		AgentID:       task.AgentID,
		Status:        status,
		Response:      output,
		Error:         errMsg,
		ExecutionTime: elapsed.Seconds(),
		Attempts:      attempts,
		CancelledBy:   cancelledBy,
		Level:         level,
	})
	e.metrics.TaskFinished(task.AgentID, string(status), elapsed)
	e.publishTask(run.wf.ID, task, status, errMsg)
}

func (e *Executor) save(ctx context.Context, rec *workflow.Record) error {
	if e.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	return e.store.Save(ctx, rec)
}

func (e *Executor) publishTask(workflowID string, task *workflow.Task, status workflow.TaskStatus, errMsg string) {
	if e.bus == nil {
		return
	}
	msg := events.NewMessage(events.KindTaskState, workflowID, string(status))
	msg.TaskID = task.ID
	msg.AgentID = task.AgentID
	msg.Error = errMsg
	e.bus.Publish(msg)
}

func (e *Executor) publishWorkflow(workflowID string, status workflow.Status, errMsg string) {
	if e.bus == nil {
		return
	}
	msg := events.NewMessage(events.KindWorkflowState, workflowID, string(status))
	msg.Error = errMsg
	e.bus.Publish(msg)
}
