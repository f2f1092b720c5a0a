package ensemble

import "fmt"

// TaskGraph is a DAG of tasks with two edge flavors. A hard dependency
// gates readiness on the upstream task completing successfully; an
// optional dependency only orders execution, the downstream task runs no
// matter how the upstream one ended.
type TaskGraph struct {
	tasks    map[string]*Task
	order    []string
	deps     map[string][]string
	optional map[string][]string
	status   map[string]TaskStatus
}

// NewTaskGraph creates an empty graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks:    make(map[string]*Task),
		deps:     make(map[string][]string),
		optional: make(map[string][]string),
		status:   make(map[string]TaskStatus),
	}
}

// AddTask registers a task. IDs must be unique.
func (g *TaskGraph) AddTask(t Task) error {
	if t.ID == "" {
		return &ErrValidation{Message: "task id must not be empty"}
	}
	if _, dup := g.tasks[t.ID]; dup {
		return &ErrValidation{Message: fmt.Sprintf("duplicate task id %q", t.ID)}
	}
	tc := t
	g.tasks[t.ID] = &tc
	g.order = append(g.order, t.ID)
	g.status[t.ID] = TaskPending
	return nil
}

// DependOn adds a hard edge: id runs only after dep completes.
func (g *TaskGraph) DependOn(id, dep string) {
	g.deps[id] = append(g.deps[id], dep)
}

// OptionallyAfter adds an ordering edge: id waits for dep to reach a
// terminal status but runs regardless of which one.
func (g *TaskGraph) OptionallyAfter(id, dep string) {
	g.optional[id] = append(g.optional[id], dep)
}

// Validate checks edge references and rejects cycles.
func (g *TaskGraph) Validate() error {
	for id, deps := range g.allEdges() {
		if _, ok := g.tasks[id]; !ok {
			return &ErrValidation{Message: fmt.Sprintf("edge references unknown task %q", id)}
		}
		for _, dep := range deps {
			if _, ok := g.tasks[dep]; !ok {
				return &ErrValidation{Message: fmt.Sprintf("task %q depends on unknown task %q", id, dep)}
			}
			if dep == id {
				return &ErrValidation{Message: fmt.Sprintf("task %q depends on itself", id)}
			}
		}
	}
	return g.detectCycle()
}

func (g *TaskGraph) allEdges() map[string][]string {
	all := make(map[string][]string, len(g.deps)+len(g.optional))
	for id, deps := range g.deps {
		all[id] = append(all[id], deps...)
	}
	for id, deps := range g.optional {
		all[id] = append(all[id], deps...)
	}
	return all
}

// detectCycle runs Kahn's algorithm over all edges.
func (g *TaskGraph) detectCycle() error {
	indegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string)
	for id, deps := range g.allEdges() {
		indegree[id] += len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed != len(g.tasks) {
		return &ErrValidation{Message: "workflow graph contains a cycle"}
	}
	return nil
}

// Ready returns, in insertion order, the pending tasks whose hard
// dependencies all completed and whose ordering dependencies all reached a
// terminal status. Returned tasks are marked READY.
func (g *TaskGraph) Ready() []*Task {
	var out []*Task
	for _, id := range g.order {
		if g.status[id] != TaskPending {
			continue
		}
		ready := true
		for _, dep := range g.deps[id] {
			if g.status[dep] != TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			for _, dep := range g.optional[id] {
				if !g.status[dep].Terminal() {
					ready = false
					break
				}
			}
		}
		if ready {
			g.status[id] = TaskReady
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// PropagateUnreachable skips every non-terminal task whose hard
// dependency chain can no longer complete. Returns the ids skipped,
// in insertion order.
func (g *TaskGraph) PropagateUnreachable() []string {
	var skipped []string
	for changed := true; changed; {
		changed = false
		for _, id := range g.order {
			st := g.status[id]
			if st != TaskPending && st != TaskReady {
				continue
			}
			for _, dep := range g.deps[id] {
				switch g.status[dep] {
				case TaskFailed, TaskSkipped, TaskCancelled:
					g.status[id] = TaskSkipped
					skipped = append(skipped, id)
					changed = true
				}
				if changed {
					break
				}
			}
		}
	}
	return skipped
}

// Restore re-applies settled statuses from a previous run. COMPLETED
// carries over always. SKIPPED carries over only when every hard
// dependency completed, which distinguishes a deliberate route skip from
// a skip forced by an upstream failure; the latter is re-executed now
// that the failed task will run again.
func (g *TaskGraph) Restore(statuses map[string]TaskStatus) {
	for id, st := range statuses {
		if _, ok := g.tasks[id]; !ok {
			continue
		}
		if st == TaskCompleted {
			g.status[id] = st
		}
	}
	for id, st := range statuses {
		if _, ok := g.tasks[id]; !ok || st != TaskSkipped {
			continue
		}
		routed := true
		for _, dep := range g.deps[id] {
			if g.status[dep] != TaskCompleted {
				routed = false
				break
			}
		}
		if routed {
			g.status[id] = TaskSkipped
		}
	}
}

// Status returns the current status of a task.
func (g *TaskGraph) Status(id string) TaskStatus { return g.status[id] }

// setStatus transitions a task, ignoring moves out of a terminal state.
func (g *TaskGraph) setStatus(id string, s TaskStatus) {
	if cur, ok := g.status[id]; !ok || cur.Terminal() {
		return
	}
	g.status[id] = s
}

// MarkRunning transitions a task to RUNNING.
func (g *TaskGraph) MarkRunning(id string) { g.setStatus(id, TaskRunning) }

// MarkCompleted transitions a task to COMPLETED.
func (g *TaskGraph) MarkCompleted(id string) { g.setStatus(id, TaskCompleted) }

// MarkFailed transitions a task to FAILED.
func (g *TaskGraph) MarkFailed(id string) { g.setStatus(id, TaskFailed) }

// MarkSkipped transitions a task to SKIPPED.
func (g *TaskGraph) MarkSkipped(id string) { g.setStatus(id, TaskSkipped) }

// MarkCancelled transitions a task to CANCELLED.
func (g *TaskGraph) MarkCancelled(id string) { g.setStatus(id, TaskCancelled) }

// Task returns a task by id.
func (g *TaskGraph) Task(id string) *Task { return g.tasks[id] }

// Tasks returns all tasks in insertion order.
func (g *TaskGraph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// Dependencies returns the hard then ordering dependencies of a task, in
// the order the edges were added.
func (g *TaskGraph) Dependencies(id string) []string {
	out := make([]string, 0, len(g.deps[id])+len(g.optional[id]))
	out = append(out, g.deps[id]...)
	out = append(out, g.optional[id]...)
	return out
}

// Done reports whether every task reached a terminal status.
func (g *TaskGraph) Done() bool {
	for _, id := range g.order {
		if !g.status[id].Terminal() {
			return false
		}
	}
	return true
}
