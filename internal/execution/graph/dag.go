// Package graph builds the dependency graph of a workflow and partitions it
// into execution levels.
package graph

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/linkflow/agentflow/internal/workflow"
)

var (
	ErrCyclicDependency = errors.New("cyclic dependency")
	ErrInvalidEdge      = errors.New("invalid edge")
)

// CyclicDependencyError names the tasks of one cycle found in the graph.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool {
	return target == ErrCyclicDependency
}

// DAG represents the dependency graph of a task list.
type DAG struct {
	Nodes        map[string]*workflow.Task
	Edges        map[string][]string // producer -> consumers
	ReverseEdges map[string][]string // consumer -> producers

	EntryNodes []string
	ExitNodes  []string

	// Plan holds the execution levels; Levels maps a task to its index in Plan.
	Plan   [][]string
	Levels map[string]int
}

// BuildDAG builds the graph and computes its levels. Tasks are referenced,
// not copied, and must not be mutated afterwards.
func BuildDAG(tasks []workflow.Task) (*DAG, error) {
	dag := &DAG{
		Nodes:        make(map[string]*workflow.Task, len(tasks)),
		Edges:        make(map[string][]string),
		ReverseEdges: make(map[string][]string),
		Levels:       make(map[string]int, len(tasks)),
	}

	for i := range tasks {
		t := &tasks[i]
		if _, exists := dag.Nodes[t.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate task %s", ErrInvalidEdge, t.ID)
		}
		dag.Nodes[t.ID] = t
	}

	for i := range tasks {
		t := &tasks[i]
		for _, dep := range t.Dependencies {
			if _, exists := dag.Nodes[dep.TaskID]; !exists {
				return nil, fmt.Errorf("%w: task %s depends on unknown task %s", ErrInvalidEdge, t.ID, dep.TaskID)
			}
			if slices.Contains(dag.ReverseEdges[t.ID], dep.TaskID) {
				continue
			}
			dag.Edges[dep.TaskID] = append(dag.Edges[dep.TaskID], t.ID)
			dag.ReverseEdges[t.ID] = append(dag.ReverseEdges[t.ID], dep.TaskID)
		}
	}

	for i := range tasks {
		id := tasks[i].ID
		if len(dag.ReverseEdges[id]) == 0 {
			dag.EntryNodes = append(dag.EntryNodes, id)
		}
		if len(dag.Edges[id]) == 0 {
			dag.ExitNodes = append(dag.ExitNodes, id)
		}
	}

	if err := dag.computeLevels(); err != nil {
		return nil, err
	}
	return dag, nil
}

// Plan partitions tasks into levels: every dependency of a task lies in a
// strictly earlier level. Within a level tasks are ordered by priority,
// highest first, then by id.
func Plan(tasks []workflow.Task) ([][]string, error) {
	dag, err := BuildDAG(tasks)
	if err != nil {
		return nil, err
	}
	return dag.Plan, nil
}

// computeLevels repeatedly extracts the ready set (nodes whose producers are
// all placed) as the next level.
func (d *DAG) computeLevels() error {
	inDegree := make(map[string]int, len(d.Nodes))
	for id := range d.Nodes {
		inDegree[id] = len(d.ReverseEdges[id])
	}

	ready := slices.Clone(d.EntryNodes)
	placed := 0
	for len(ready) > 0 {
		d.sortLevel(ready)
		level := len(d.Plan)
		d.Plan = append(d.Plan, ready)

		var next []string
		for _, id := range ready {
			d.Levels[id] = level
			placed++
			for _, consumer := range d.Edges[id] {
				inDegree[consumer]--
				if inDegree[consumer] == 0 {
					next = append(next, consumer)
				}
			}
		}
		ready = next
	}

	if placed == len(d.Nodes) {
		return nil
	}

	d.Plan = nil
	clear(d.Levels)
	return &CyclicDependencyError{Cycle: d.findCycle(inDegree)}
}

func (d *DAG) sortLevel(ids []string) {
	slices.SortFunc(ids, func(a, b string) int {
		if c := cmp.Compare(d.Nodes[b].Priority, d.Nodes[a].Priority); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
}

// findCycle walks producers among the unplaced nodes until a node repeats.
// Every unplaced node has at least one unplaced producer, so the walk always
// closes a cycle.
func (d *DAG) findCycle(inDegree map[string]int) []string {
	var start string
	for id, deg := range inDegree {
		if deg > 0 && (start == "" || id < start) {
			start = id
		}
	}

	pos := make(map[string]int)
	var path []string
	for id := start; ; {
		if i, seen := pos[id]; seen {
			cycle := slices.Clone(path[i:])
			slices.Reverse(cycle)
			return append(cycle, cycle[0])
		}
		pos[id] = len(path)
		path = append(path, id)

		next := ""
		for _, p := range d.ReverseEdges[id] {
			if inDegree[p] > 0 && (next == "" || p < next) {
				next = p
			}
		}
		id = next
	}
}
