package graph

import (
	"errors"
	"reflect"
	"testing"

	"github.com/linkflow/agentflow/internal/workflow"
)

func task(id string, priority int, deps ...string) workflow.Task {
	t := workflow.Task{ID: id, AgentID: "agent", Priority: priority}
	for _, d := range deps {
		t.Dependencies = append(t.Dependencies, workflow.Dependency{TaskID: d})
	}
	return t
}

func TestPlan_Diamond(t *testing.T) {
	tasks := []workflow.Task{
		task("D", 1, "B", "C"),
		task("B", 1, "A"),
		task("C", 1, "A"),
		task("A", 1),
	}

	plan, err := Plan(tasks)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("Plan() = %v, want %v", plan, want)
	}
}

func TestPlan_OrdersByPriorityThenID(t *testing.T) {
	tasks := []workflow.Task{
		task("c", 1),
		task("a", 1),
		task("b", 5),
		task("d", 0),
	}

	plan, err := Plan(tasks)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := [][]string{{"b", "a", "c", "d"}}
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("Plan() = %v, want %v", plan, want)
	}
}

func TestPlan_Empty(t *testing.T) {
	plan, err := Plan(nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan) != 0 {
		t.Errorf("len(Plan()) = %d, want 0", len(plan))
	}
}

func TestPlan_Cycle(t *testing.T) {
	tasks := []workflow.Task{
		task("A", 1),
		task("B", 1, "A", "D"),
		task("C", 1, "B"),
		task("D", 1, "C"),
		task("E", 1, "D"),
	}

	plan, err := Plan(tasks)
	if plan != nil {
		t.Errorf("Plan() returned partial plan %v", plan)
	}
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Plan() error = %v, want ErrCyclicDependency", err)
	}

	var cerr *CyclicDependencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *CyclicDependencyError", err)
	}
	want := []string{"C", "D", "B", "C"}
	if !reflect.DeepEqual(cerr.Cycle, want) {
		t.Errorf("Cycle = %v, want %v", cerr.Cycle, want)
	}
}

func TestPlan_SelfLoop(t *testing.T) {
	_, err := Plan([]workflow.Task{task("A", 1, "A")})

	var cerr *CyclicDependencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("Plan() error = %v, want *CyclicDependencyError", err)
	}
	if !reflect.DeepEqual(cerr.Cycle, []string{"A", "A"}) {
		t.Errorf("Cycle = %v, want [A A]", cerr.Cycle)
	}
}

func TestBuildDAG_UnknownDependency(t *testing.T) {
	_, err := BuildDAG([]workflow.Task{task("A", 1, "ghost")})
	if !errors.Is(err, ErrInvalidEdge) {
		t.Errorf("BuildDAG() error = %v, want ErrInvalidEdge", err)
	}
}

func TestBuildDAG_Structure(t *testing.T) {
	dag, err := BuildDAG([]workflow.Task{
		task("A", 1),
		task("B", 1, "A"),
		task("C", 1, "B"),
		task("X", 1),
	})
	if err != nil {
		t.Fatalf("BuildDAG() error = %v", err)
	}

	if !reflect.DeepEqual(dag.EntryNodes, []string{"A", "X"}) {
		t.Errorf("EntryNodes = %v, want [A X]", dag.EntryNodes)
	}
	if !reflect.DeepEqual(dag.ExitNodes, []string{"C", "X"}) {
		t.Errorf("ExitNodes = %v, want [C X]", dag.ExitNodes)
	}
	if l := dag.Levels["C"]; l != 2 {
		t.Errorf("Levels[C] = %d, want 2", l)
	}
	if !reflect.DeepEqual(dag.ReverseEdges["B"], []string{"A"}) {
		t.Errorf("ReverseEdges[B] = %v, want [A]", dag.ReverseEdges["B"])
	}
	if !reflect.DeepEqual(dag.Edges["A"], []string{"B"}) {
		t.Errorf("Edges[A] = %v, want [B]", dag.Edges["A"])
	}
}
