// Package transform maps the output of one worker onto the input expected by
// the next. Each field is passed through the rule registered for it or
// copied unchanged.
package transform

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrSchemaNotRegistered = errors.New("schema not registered")
	ErrUnknownTransform    = errors.New("unknown transform")
	ErrFragmentMissing     = errors.New("required fragment missing")
)

// SchemaNotRegisteredError names the worker that has no registered schema.
type SchemaNotRegisteredError struct {
	WorkerID string
}

func (e *SchemaNotRegisteredError) Error() string {
	return fmt.Sprintf("schema not registered for worker %q", e.WorkerID)
}

func (e *SchemaNotRegisteredError) Is(target error) bool {
	return target == ErrSchemaNotRegistered
}

// RuleError reports a rule that failed on a field.
type RuleError struct {
	Field string
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("transform field %q: %v", e.Field, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Schema describes the data shape of a worker.
type Schema struct {
	WorkerID        string
	InputFields     []string
	OutputFragments []string
}

// Rule maps one field value. Rules must be pure.
type Rule interface {
	Apply(value any) (any, error)
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(value any) (any, error)

func (f RuleFunc) Apply(value any) (any, error) { return f(value) }

type pair struct {
	source, target string
}

// Registry holds worker schemas and transform rules. It is safe for
// concurrent use; registration normally happens once at startup.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
	pairs   map[pair]map[string]Rule
	fields  map[string]Rule
	named   map[string]map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]Schema),
		pairs:   make(map[pair]map[string]Rule),
		fields:  make(map[string]Rule),
		named:   make(map[string]map[string]Rule),
	}
}

// RegisterSchema registers or replaces the schema of s.WorkerID.
func (r *Registry) RegisterSchema(s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.WorkerID] = s
}

func (r *Registry) Schema(workerID string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[workerID]
	return s, ok
}

// RegisterPairRule registers a rule for field on data flowing from source to target.
func (r *Registry) RegisterPairRule(source, target, field string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pair{source, target}
	if r.pairs[k] == nil {
		r.pairs[k] = make(map[string]Rule)
	}
	r.pairs[k][field] = rule
}

// RegisterFieldRule registers a rule for field regardless of the worker pair.
func (r *Registry) RegisterFieldRule(field string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields[field] = rule
}

// RegisterNamedRule adds a rule for field to the named rule set.
func (r *Registry) RegisterNamedRule(name, field string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.named[name] == nil {
		r.named[name] = make(map[string]Rule)
	}
	r.named[name][field] = rule
}

// HasNamed reports whether a named rule set exists.
func (r *Registry) HasNamed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.named[name]
	return ok
}

// CheckSchemas returns a *SchemaNotRegisteredError for the first worker
// without a schema.
func (r *Registry) CheckSchemas(workerIDs ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range workerIDs {
		if _, ok := r.schemas[id]; !ok {
			return &SchemaNotRegisteredError{WorkerID: id}
		}
	}
	return nil
}

// Transform maps data produced by source into the input of target. A rule
// registered for the pair wins over a field rule; fields without a rule are
// copied.
func (r *Registry) Transform(data map[string]any, source, target string) (map[string]any, error) {
	if err := r.CheckSchemas(source, target); err != nil {
		return nil, err
	}

	r.mu.RLock()
	pairRules := r.pairs[pair{source, target}]
	r.mu.RUnlock()

	return r.apply(data, func(field string) (Rule, bool) {
		if rule, ok := pairRules[field]; ok {
			return rule, true
		}
		r.mu.RLock()
		defer r.mu.RUnlock()
		rule, ok := r.fields[field]
		return rule, ok
	})
}

// TransformNamed applies the named rule sets in order after Transform.
func (r *Registry) TransformNamed(data map[string]any, source, target string, names ...string) (map[string]any, error) {
	out, err := r.Transform(data, source, target)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		if name == "" {
			continue
		}
		r.mu.RLock()
		set, ok := r.named[name]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
		}
		out, err = r.apply(out, func(field string) (Rule, bool) {
			rule, ok := set[field]
			return rule, ok
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Registry) apply(data map[string]any, lookup func(string) (Rule, bool)) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for field, value := range data {
		rule, ok := lookup(field)
		if !ok {
			out[field] = value
			continue
		}
		v, err := rule.Apply(value)
		if err != nil {
			return nil, &RuleError{Field: field, Err: err}
		}
		out[field] = v
	}
	return out, nil
}

// FilterFragments keeps only the required fragments of a producer output.
// An empty required list passes the whole output through.
func FilterFragments(output map[string]any, required []string) (map[string]any, error) {
	if len(required) == 0 {
		out := make(map[string]any, len(output))
		for k, v := range output {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]any, len(required))
	for _, name := range required {
		v, ok := output[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrFragmentMissing, name)
		}
		out[name] = v
	}
	return out, nil
}
