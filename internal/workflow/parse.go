package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidWorkflow = errors.New("invalid workflow")

// ValidationError identifies the offending task of a rejected submission.
type ValidationError struct {
	TaskID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid workflow: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid workflow: task %q: %s: %s", e.TaskID, e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidWorkflow
}

// Parse decodes a JSON or YAML submission.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if err := json.Unmarshal(trimmed, &wf); err != nil {
			return nil, fmt.Errorf("%w: decode json: %w", ErrInvalidWorkflow, err)
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &wf); err != nil {
			return nil, fmt.Errorf("%w: decode yaml: %w", ErrInvalidWorkflow, err)
		}
	}
	return &wf, nil
}

// ParseFile reads and decodes a submission from disk.
func ParseFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return wf, nil
}

// Validate checks structural constraints that do not need the dependency
// graph: ids, unknown or duplicate dependencies, and fragment references.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}

	byID := make(map[string]*Task, len(w.Tasks))
	for i := range w.Tasks {
		t := &w.Tasks[i]
		if t.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("tasks[%d].id", i), Message: "is required"}
		}
		if _, dup := byID[t.ID]; dup {
			return &ValidationError{TaskID: t.ID, Field: "id", Message: "duplicate task id"}
		}
		if t.AgentID == "" {
			return &ValidationError{TaskID: t.ID, Field: "agent_id", Message: "is required"}
		}
		if t.Priority < MinPriority || t.Priority > MaxPriority {
			return &ValidationError{
				TaskID:  t.ID,
				Field:   "priority",
				Message: fmt.Sprintf("%d is outside [%d, %d]", t.Priority, MinPriority, MaxPriority),
			}
		}
		byID[t.ID] = t
	}

	for i := range w.Tasks {
		t := &w.Tasks[i]
		seen := make(map[string]struct{}, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if dep.TaskID == t.ID {
				return &ValidationError{TaskID: t.ID, Field: "dependencies", Message: "task depends on itself"}
			}
			producer, ok := byID[dep.TaskID]
			if !ok {
				return &ValidationError{TaskID: t.ID, Field: "dependencies", Message: fmt.Sprintf("unknown task %q", dep.TaskID)}
			}
			if _, dup := seen[dep.TaskID]; dup {
				return &ValidationError{TaskID: t.ID, Field: "dependencies", Message: fmt.Sprintf("duplicate dependency %q", dep.TaskID)}
			}
			seen[dep.TaskID] = struct{}{}

			declared := producer.OutputSchema.Fragments
			if len(declared) == 0 {
				continue
			}
			for _, f := range t.Fragments(dep) {
				if !slices.Contains(declared, f) {
					return &ValidationError{
						TaskID:  t.ID,
						Field:   "required_fragments",
						Message: fmt.Sprintf("fragment %q is not produced by %q", f, producer.ID),
					}
				}
			}
		}
	}
	return nil
}

// Task looks up a task by id.
func (w *Workflow) Task(id string) (*Task, bool) {
	for i := range w.Tasks {
		if w.Tasks[i].ID == id {
			return &w.Tasks[i], true
		}
	}
	return nil, false
}

func (t *Task) UnmarshalJSON(b []byte) error {
	type raw Task
	r := raw{Priority: DefaultPriority}
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*t = Task(r)
	return nil
}

func (t *Task) UnmarshalYAML(node *yaml.Node) error {
	type raw Task
	r := raw{Priority: DefaultPriority}
	if err := node.Decode(&r); err != nil {
		return err
	}
	*t = Task(r)
	return nil
}

func (d *Dependency) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*d = Dependency{TaskID: id}
		return nil
	}

	type raw Dependency
	var r struct {
		raw
		LegacyTransform string `json:"transform"`
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*d = Dependency(r.raw)
	if d.Transform == "" {
		d.Transform = r.LegacyTransform
	}
	if d.TaskID == "" {
		return errors.New("dependency: task_id is required")
	}
	return nil
}

func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*d = Dependency{TaskID: node.Value}
		return nil
	}

	type raw Dependency
	var r struct {
		raw             `yaml:",inline"`
		LegacyTransform string `yaml:"transform"`
	}
	if err := node.Decode(&r); err != nil {
		return err
	}
	*d = Dependency(r.raw)
	if d.Transform == "" {
		d.Transform = r.LegacyTransform
	}
	if d.TaskID == "" {
		return errors.New("dependency: task_id is required")
	}
	return nil
}
