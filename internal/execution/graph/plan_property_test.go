package graph

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"pgregory.net/rapid"

	"github.com/linkflow/agentflow/internal/workflow"
)

// genAcyclic draws tasks where task i may only depend on tasks j < i, then
// shuffles the declaration order.
func genAcyclic(t *rapid.T) []workflow.Task {
	n := rapid.IntRange(0, 30).Draw(t, "n")
	tasks := make([]workflow.Task, n)
	for i := range tasks {
		tasks[i] = workflow.Task{
			ID:       fmt.Sprintf("t%02d", i),
			AgentID:  "agent",
			Priority: rapid.IntRange(-2, 5).Draw(t, "priority"),
		}
		for j := 0; j < i; j++ {
			if rapid.IntRange(0, 4).Draw(t, "edge") == 0 {
				tasks[i].Dependencies = append(tasks[i].Dependencies, workflow.Dependency{TaskID: tasks[j].ID})
			}
		}
	}
	return rapid.Permutation(tasks).Draw(t, "order")
}

func TestProperty_PlanLevelsRespectDependencies(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := genAcyclic(t)

		plan, err := Plan(tasks)
		if err != nil {
			t.Fatalf("Plan() error = %v", err)
		}

		level := make(map[string]int)
		for i, ids := range plan {
			if len(ids) == 0 {
				t.Fatalf("level %d is empty", i)
			}
			for _, id := range ids {
				if _, dup := level[id]; dup {
					t.Fatalf("task %s placed twice", id)
				}
				level[id] = i
			}
		}
		if len(level) != len(tasks) {
			t.Fatalf("placed %d tasks, want %d", len(level), len(tasks))
		}

		for _, task := range tasks {
			for _, dep := range task.Dependencies {
				if level[dep.TaskID] >= level[task.ID] {
					t.Fatalf("dependency %s (level %d) not before %s (level %d)",
						dep.TaskID, level[dep.TaskID], task.ID, level[task.ID])
				}
			}
			if len(task.Dependencies) == 0 && level[task.ID] != 0 {
				t.Fatalf("root task %s in level %d, want 0", task.ID, level[task.ID])
			}
			// levels are as early as possible
			if len(task.Dependencies) > 0 {
				maxDep := -1
				for _, dep := range task.Dependencies {
					maxDep = max(maxDep, level[dep.TaskID])
				}
				if level[task.ID] != maxDep+1 {
					t.Fatalf("task %s in level %d, want %d", task.ID, level[task.ID], maxDep+1)
				}
			}
		}
	})
}

func TestProperty_PlanIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := genAcyclic(t)
		first, err := Plan(tasks)
		if err != nil {
			t.Fatalf("Plan() error = %v", err)
		}

		reordered := rapid.Permutation(tasks).Draw(t, "reorder")
		second, err := Plan(reordered)
		if err != nil {
			t.Fatalf("Plan() error = %v", err)
		}

		byID := make(map[string]workflow.Task, len(tasks))
		for _, task := range tasks {
			byID[task.ID] = task
		}
		for i := range first {
			if !slices.Equal(first[i], second[i]) {
				t.Fatalf("level %d differs: %v vs %v", i, first[i], second[i])
			}
			for j := 1; j < len(first[i]); j++ {
				a, b := byID[first[i][j-1]], byID[first[i][j]]
				if a.Priority < b.Priority || (a.Priority == b.Priority && a.ID > b.ID) {
					t.Fatalf("level %d not ordered by priority then id: %v", i, first[i])
				}
			}
		}
	})
}

func TestProperty_CycleYieldsNoPlan(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		tasks := make([]workflow.Task, n)
		for i := range tasks {
			tasks[i] = workflow.Task{ID: fmt.Sprintf("t%02d", i), AgentID: "agent", Priority: 1}
			if i > 0 {
				tasks[i].Dependencies = append(tasks[i].Dependencies, workflow.Dependency{TaskID: tasks[i-1].ID})
			}
		}
		// close the chain into a ring
		tasks[0].Dependencies = append(tasks[0].Dependencies, workflow.Dependency{TaskID: tasks[n-1].ID})

		// plus unrelated roots that would be plannable on their own
		extra := rapid.IntRange(0, 5).Draw(t, "extra")
		for i := 0; i < extra; i++ {
			tasks = append(tasks, workflow.Task{ID: fmt.Sprintf("r%02d", i), AgentID: "agent", Priority: 1})
		}

		plan, err := Plan(rapid.Permutation(tasks).Draw(t, "order"))
		if plan != nil {
			t.Fatalf("Plan() returned partial plan %v", plan)
		}

		var cerr *CyclicDependencyError
		if !errors.As(err, &cerr) {
			t.Fatalf("Plan() error = %v, want *CyclicDependencyError", err)
		}

		byID := make(map[string]workflow.Task, len(tasks))
		for _, task := range tasks {
			byID[task.ID] = task
		}
		c := cerr.Cycle
		if len(c) < 2 || c[0] != c[len(c)-1] {
			t.Fatalf("cycle %v is not closed", c)
		}
		for i := 1; i < len(c); i++ {
			consumer := byID[c[i]]
			if !slices.Contains(consumer.DependencyIDs(), c[i-1]) {
				t.Fatalf("cycle %v: %s does not depend on %s", c, c[i], c[i-1])
			}
		}
	})
}
