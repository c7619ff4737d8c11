// Package workflow defines the submitted workflow definition and the result
// records produced by executing it.
package workflow

import (
	"time"
)

// DefaultPriority is assigned to tasks that do not declare one.
const DefaultPriority = 1

// Task priorities must lie in [MinPriority, MaxPriority] so that every
// priority queue backend orders them the same way.
const (
	MinPriority = -1000
	MaxPriority = 1000
)

// Workflow is a submitted set of interdependent tasks.
type Workflow struct {
	ID       string         `json:"id" yaml:"id"`
	Tasks    []Task         `json:"tasks" yaml:"tasks"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Task is a unit of work bound to one worker.
type Task struct {
	ID           string         `json:"id" yaml:"id"`
	AgentID      string         `json:"agent_id" yaml:"agent_id"`
	Data         map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	Dependencies []Dependency   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	OutputSchema OutputSchema   `json:"output_schema" yaml:"output_schema"`
	ResourceID   string         `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	Priority     int            `json:"priority" yaml:"priority"`

	// RequiredFragments applies to every dependency that does not declare
	// its own set.
	RequiredFragments []string `json:"required_fragments,omitempty" yaml:"required_fragments,omitempty"`
}

// OutputSchema lists the fragments a task produces.
type OutputSchema struct {
	Fragments []string `json:"fragments,omitempty" yaml:"fragments,omitempty"`
}

// Dependency is an edge from a producer task. In submissions it may be
// written as a bare task id or as an annotated object.
type Dependency struct {
	TaskID            string   `json:"task_id" yaml:"task_id"`
	RequiredFragments []string `json:"required_fragments,omitempty" yaml:"required_fragments,omitempty"`
	Transform         string   `json:"data_transform,omitempty" yaml:"data_transform,omitempty"`
	TransformRules    []string `json:"transform_rules,omitempty" yaml:"transform_rules,omitempty"`
}

// DependencyIDs returns the producer ids in declaration order.
func (t *Task) DependencyIDs() []string {
	ids := make([]string, len(t.Dependencies))
	for i, d := range t.Dependencies {
		ids[i] = d.TaskID
	}
	return ids
}

// Fragments returns the fragments the consumer requires from dep.
func (t *Task) Fragments(dep Dependency) []string {
	if len(dep.RequiredFragments) > 0 {
		return dep.RequiredFragments
	}
	return t.RequiredFragments
}

// TaskStatus is the per-task state.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskLocked       TaskStatus = "locked"
	TaskTransforming TaskStatus = "transforming"
	TaskDispatched   TaskStatus = "dispatched"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether s is completed, failed or cancelled.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Status is the workflow lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TaskResult is the terminal record for one task.
type TaskResult struct {
	TaskID        string         `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	Status        TaskStatus     `json:"status"`
	Response      map[string]any `json:"response,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
	Attempts      int            `json:"attempts,omitempty"`
	CancelledBy   string         `json:"cancelled_by,omitempty"`
	Level         int            `json:"level"`
}

// Record is the persisted view of a workflow execution.
type Record struct {
	Workflow   Workflow     `json:"workflow"`
	Status     Status       `json:"status"`
	Results    []TaskResult `json:"results,omitempty"`
	FailedTask string       `json:"failed_task,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
