package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Scheduler drives one workflow run: it dispatches ready tasks to role
// workers under a concurrency cap, applies conditional routes, propagates
// skips, and checkpoints the state after every settled task. The loop
// itself is single-threaded; only task execution is concurrent.
type Scheduler struct {
	graph   *TaskGraph
	workers map[Role]*Worker
	routes  map[string]RouteFunc
	store   CheckpointStore

	sem         *semaphore.Weighted
	taskTimeout time.Duration
	logger      *slog.Logger
	collector   *Collector
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerConcurrency caps how many tasks run at once. Default 5.
func WithSchedulerConcurrency(n int64) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithSchedulerTaskTimeout bounds each task's execution. Zero means no
// per-task deadline.
func WithSchedulerTaskTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.taskTimeout = d }
}

// WithSchedulerLogger attaches a logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerCollector attaches a metrics collector.
func WithSchedulerCollector(c *Collector) SchedulerOption {
	return func(s *Scheduler) { s.collector = c }
}

// NewScheduler builds a scheduler over an already-validated graph.
// workers must cover every role the graph uses.
func NewScheduler(graph *TaskGraph, workers map[Role]*Worker, routes map[string]RouteFunc, store CheckpointStore, opts ...SchedulerOption) (*Scheduler, error) {
	for _, t := range graph.Tasks() {
		if _, ok := workers[t.Role]; !ok {
			return nil, &ErrValidation{Message: fmt.Sprintf("no worker for role %q (task %q)", t.Role, t.ID)}
		}
	}
	s := &Scheduler{
		graph:   graph,
		workers: workers,
		routes:  routes,
		store:   store,
		sem:     semaphore.NewWeighted(5),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes the workflow to a terminal status, mutating st as tasks
// settle. The returned error is non-nil only for checkpoint-store failures
// and context cancellation; task failures are recorded in st.
func (s *Scheduler) Run(ctx context.Context, st *WorkflowState) error {
	ctx = WithCorrelationID(ctx, st.WorkflowID)

	// Resume: completed and skipped tasks from a previous run stay settled.
	s.graph.Restore(st.Tasks)
	for _, t := range s.graph.Tasks() {
		st.Tasks[t.ID] = s.graph.Status(t.ID)
	}
	if err := s.checkpoint(ctx, st, "start", ""); err != nil {
		return err
	}

	results := make(chan TaskResult)
	running := 0
	lastStep := "start"

	for {
		if ctx.Err() != nil {
			if running == 0 {
				break
			}
		} else {
			for _, id := range s.graph.PropagateUnreachable() {
				st.Tasks[id] = TaskSkipped
				s.logger.Info("task skipped", "workflow_id", st.WorkflowID, "task", id, "reason", "upstream did not complete")
			}
			if s.graph.Done() && running == 0 {
				break
			}
			for _, task := range s.graph.Ready() {
				s.dispatch(ctx, task, st, results)
				running++
			}
		}

		if running == 0 {
			if ctx.Err() != nil || s.graph.Done() {
				break
			}
			// Nothing running and nothing ready: the graph is stuck.
			return fmt.Errorf("workflow %s stalled with unfinished tasks", st.WorkflowID)
		}

		res := <-results
		running--
		s.settle(res, st)
		if res.Status == TaskCompleted {
			if route, ok := s.routes[res.TaskID]; ok {
				for _, id := range route(res, st) {
					if !s.graph.Status(id).Terminal() {
						s.graph.MarkSkipped(id)
						st.Tasks[id] = TaskSkipped
						s.logger.Info("task skipped", "workflow_id", st.WorkflowID, "task", id, "reason", "routed around by "+res.TaskID)
					}
				}
			}
		}
		if err := s.checkpoint(ctx, st, res.TaskID, lastStep); err != nil {
			return err
		}
		lastStep = res.TaskID
	}

	if ctx.Err() != nil {
		for _, t := range s.graph.Tasks() {
			if !s.graph.Status(t.ID).Terminal() {
				s.graph.MarkCancelled(t.ID)
				st.Tasks[t.ID] = TaskCancelled
			}
		}
		st.finish(WorkflowCancelled)
		// Best effort: the run context is gone, checkpoint on a fresh one.
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.checkpoint(cctx, st, "cancelled", lastStep); err != nil {
			s.logger.Error("final checkpoint failed", "workflow_id", st.WorkflowID, "error", err)
		}
		return ctx.Err()
	}

	status := WorkflowCompleted
	for _, t := range s.graph.Tasks() {
		if s.graph.Status(t.ID) == TaskFailed {
			status = WorkflowFailed
			break
		}
	}
	st.finish(status)
	if err := s.checkpoint(ctx, st, "end", lastStep); err != nil {
		return err
	}
	return nil
}

// dispatch launches one task under the concurrency cap.
func (s *Scheduler) dispatch(ctx context.Context, task *Task, st *WorkflowState, results chan<- TaskResult) {
	s.graph.MarkRunning(task.ID)
	st.Tasks[task.ID] = TaskRunning
	deps := s.graph.Dependencies(task.ID)
	worker := s.workers[task.Role]
	// The worker reads a snapshot; settle keeps mutating the original.
	snap := st.snapshot()

	go func() {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			results <- TaskResult{TaskID: task.ID, Status: TaskFailed, ErrKind: KindCancelled, ErrMessage: err.Error()}
			return
		}
		defer s.sem.Release(1)

		tctx := ctx
		if s.taskTimeout > 0 {
			var cancel context.CancelFunc
			tctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
			defer cancel()
		}
		results <- worker.Run(tctx, task, deps, snap)
	}()
}

// settle folds one finished task into the graph and the workflow state.
func (s *Scheduler) settle(res TaskResult, st *WorkflowState) {
	task := s.graph.Task(res.TaskID)
	switch {
	case res.Status == TaskCompleted:
		s.graph.MarkCompleted(res.TaskID)
		st.Tasks[res.TaskID] = TaskCompleted
	case res.ErrKind == KindCancelled:
		s.graph.MarkCancelled(res.TaskID)
		st.Tasks[res.TaskID] = TaskCancelled
	default:
		s.graph.MarkFailed(res.TaskID)
		st.Tasks[res.TaskID] = TaskFailed
		st.addError(res.TaskID, res.ErrKind, res.ErrMessage)
	}
	st.addOutput(RoleOutput{
		TaskID:       res.TaskID,
		Role:         task.Role,
		Op:           task.Op,
		Status:       st.Tasks[res.TaskID],
		Summary:      res.Summary,
		FilesWritten: res.FilesWritten,
		RawTail:      res.RawTail,
		Usage:        res.Usage,
		Attempts:     res.Attempts,
		CompletedAt:  time.Now().UTC(),
	})
	st.addFiles(res.FilesWritten)
}

// checkpoint appends one durable snapshot of st.
func (s *Scheduler) checkpoint(ctx context.Context, st *WorkflowState, step, parent string) error {
	if s.store == nil {
		return nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.store.Append(ctx, CheckpointRecord{
		WorkflowID: st.WorkflowID,
		StepName:   step,
		ParentStep: parent,
		State:      raw,
	})
	if err != nil {
		return fmt.Errorf("append checkpoint %s: %w", step, err)
	}
	s.collector.Add(MetricCheckpointAppended, 1)
	return nil
}
