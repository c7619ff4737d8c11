package scheduler

import (
	"sync"

	"github.com/linkflow/agentflow/internal/workflow"
)

// runState is the mutable state of one execution. Task definitions and the
// plan are read-only; outputs, results and the failure are guarded by mu.
type runState struct {
	wf     *workflow.Workflow
	levels [][]string
	tasks  map[string]*workflow.Task

	mu        sync.Mutex
	outputs   map[string]map[string]any
	results   map[string]workflow.TaskResult
	failedBy  string
	failErr   string
	hasFailed bool
}

func newRun(wf *workflow.Workflow, levels [][]string) *runState {
	tasks := make(map[string]*workflow.Task, len(wf.Tasks))
	for i := range wf.Tasks {
		tasks[wf.Tasks[i].ID] = &wf.Tasks[i]
	}
	return &runState{
		wf:      wf,
		levels:  levels,
		tasks:   tasks,
		outputs: make(map[string]map[string]any, len(wf.Tasks)),
		results: make(map[string]workflow.TaskResult, len(wf.Tasks)),
	}
}

// fail records the first failure and reports whether id is it.
func (r *runState) fail(id string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasFailed {
		return false
	}
	r.hasFailed = true
	r.failedBy = id
	r.failErr = err.Error()
	return true
}

func (r *runState) failure() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedBy, r.hasFailed
}

func (r *runState) setOutput(id string, out map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[id] = out
}

func (r *runState) output(id string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[id]
}

func (r *runState) setResult(res workflow.TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.TaskID] = res
}

// ordered returns the results level by level in plan order.
func (r *runState) ordered() []workflow.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workflow.TaskResult, 0, len(r.results))
	for _, level := range r.levels {
		for _, id := range level {
			if res, ok := r.results[id]; ok {
				out = append(out, res)
			}
		}
	}
	return out
}
