package ensemble

import (
	"errors"
	"testing"
)

func buildGraph(t *testing.T, ids []string, deps map[string][]string) *TaskGraph {
	t.Helper()
	g := NewTaskGraph()
	for _, id := range ids {
		if err := g.AddTask(Task{ID: id, Role: RoleDeveloper, Op: OpImplement}); err != nil {
			t.Fatalf("AddTask(%s): %v", id, err)
		}
	}
	for id, ds := range deps {
		for _, d := range ds {
			g.DependOn(id, d)
		}
	}
	return g
}

func TestGraphRejectsCycle(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, map[string][]string{
		"a": {"c"}, "b": {"a"}, "c": {"b"},
	})
	err := g.Validate()
	var ve *ErrValidation
	if !errors.As(err, &ve) {
		t.Fatalf("Validate() = %v, want *ErrValidation for cycle", err)
	}
}

func TestGraphRejectsUnknownDep(t *testing.T) {
	g := buildGraph(t, []string{"a"}, map[string][]string{"a": {"ghost"}})
	if err := g.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown dependency")
	}
}

func TestGraphRejectsDuplicateID(t *testing.T) {
	g := NewTaskGraph()
	if err := g.AddTask(Task{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddTask(Task{ID: "a"}); err == nil {
		t.Fatal("AddTask with duplicate id = nil, want error")
	}
}

func TestGraphReadyInsertionOrder(t *testing.T) {
	g := buildGraph(t, []string{"b", "a", "c"}, map[string][]string{"c": {"a", "b"}})
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	ready := g.Ready()
	if len(ready) != 2 || ready[0].ID != "b" || ready[1].ID != "a" {
		t.Fatalf("Ready() = %v, want [b a] in insertion order", taskIDs(ready))
	}
	// Already-READY tasks are not returned again.
	if again := g.Ready(); len(again) != 0 {
		t.Errorf("second Ready() = %v, want empty", taskIDs(again))
	}

	g.MarkRunning("a")
	g.MarkRunning("b")
	g.MarkCompleted("a")
	if r := g.Ready(); len(r) != 0 {
		t.Errorf("Ready() with one dep incomplete = %v, want empty", taskIDs(r))
	}
	g.MarkCompleted("b")
	r := g.Ready()
	if len(r) != 1 || r[0].ID != "c" {
		t.Fatalf("Ready() after fan-in = %v, want [c]", taskIDs(r))
	}
}

func TestGraphOptionalEdgeOrdersWithoutGating(t *testing.T) {
	g := buildGraph(t, []string{"impl", "test", "doc"}, map[string][]string{
		"test": {"impl"},
		"doc":  {"impl"},
	})
	g.OptionallyAfter("doc", "test")
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	g.Ready()
	g.MarkRunning("impl")
	g.MarkCompleted("impl")

	r := g.Ready()
	if len(r) != 1 || r[0].ID != "test" {
		t.Fatalf("Ready() = %v, want [test] while doc waits for ordering", taskIDs(r))
	}
	g.MarkRunning("test")
	g.MarkFailed("test")
	if skipped := g.PropagateUnreachable(); len(skipped) != 0 {
		t.Errorf("PropagateUnreachable() = %v, optional edge must not skip doc", skipped)
	}
	r = g.Ready()
	if len(r) != 1 || r[0].ID != "doc" {
		t.Fatalf("Ready() = %v, want [doc] after optional dep reached terminal state", taskIDs(r))
	}
}

func TestGraphPropagateUnreachable(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, map[string][]string{
		"b": {"a"}, "c": {"b"},
	})
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}
	g.Ready()
	g.MarkRunning("a")
	g.MarkFailed("a")

	skipped := g.PropagateUnreachable()
	if len(skipped) != 2 || skipped[0] != "b" || skipped[1] != "c" {
		t.Fatalf("PropagateUnreachable() = %v, want [b c]", skipped)
	}
	if !g.Done() {
		t.Error("Done() = false, all tasks are terminal")
	}
}

func TestGraphTerminalStatusIsSticky(t *testing.T) {
	g := buildGraph(t, []string{"a"}, nil)
	g.Ready()
	g.MarkRunning("a")
	g.MarkCompleted("a")
	g.MarkFailed("a")
	if got := g.Status("a"); got != TaskCompleted {
		t.Errorf("Status = %s, terminal status must not change", got)
	}
}

func taskIDs(ts []*Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}
