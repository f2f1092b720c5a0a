package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Engine is the top-level entry point: it owns the client pool, the
// per-role breakers and workers, the checkpoint store, and the workspace,
// and turns a requirement into a finished workflow run.
type Engine struct {
	logger    *slog.Logger
	tracer    Tracer
	collector *Collector
	store     CheckpointStore

	factory       ProviderFactory
	endpoint      string
	workspaceRoot string
	outputDir     string

	concurrency int64
	taskTimeout time.Duration
	retry       RetryPolicy

	breakerThreshold int
	breakerRecovery  time.Duration
	poolMaxAge       time.Duration
	poolThreshold    int

	summaryLen  int
	tailLines   int
	noStream    bool
	rolePrompts map[Role]string
	disabled    map[Role]bool
	chunks      ChunkHandler

	pool    *ClientPool
	workers map[Role]*Worker
	ws      *Workspace
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer enables span creation through the given tracer.
func WithTracer(t Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithCollector sets the metrics collector.
func WithCollector(c *Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithCheckpointStore sets the checkpoint backend. Defaults to an
// in-memory store, which makes runs non-resumable across processes.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// WithProviderFactory sets how transport clients are built per endpoint.
// Required.
func WithProviderFactory(f ProviderFactory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithEndpoint sets the LLM endpoint URL. Required.
func WithEndpoint(url string) Option {
	return func(e *Engine) { e.endpoint = url }
}

// WithWorkspaceRoot sets where task artifacts are written. Default
// "./workspace".
func WithWorkspaceRoot(dir string) Option {
	return func(e *Engine) {
		if dir != "" {
			e.workspaceRoot = dir
		}
	}
}

// WithOutputDir sets where the final JSON state and markdown report are
// written. Default "./output"; empty after an explicit WithOutputDir("")
// is not possible, use WithoutReports to disable.
func WithOutputDir(dir string) Option {
	return func(e *Engine) {
		if dir != "" {
			e.outputDir = dir
		}
	}
}

// WithoutReports disables writing the per-run report files.
func WithoutReports() Option {
	return func(e *Engine) { e.outputDir = "" }
}

// WithConcurrency caps how many tasks run at once. Default 5.
func WithConcurrency(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTaskTimeout bounds each task's execution, zero for no limit.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) { e.taskTimeout = d }
}

// WithRetryPolicy overrides the default retry policy for LLM calls.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		if p.MaxAttempts > 0 {
			e.retry = p
		}
	}
}

// WithBreakerSettings tunes the per-role circuit breakers.
func WithBreakerSettings(threshold int, recovery time.Duration) Option {
	return func(e *Engine) {
		if threshold > 0 {
			e.breakerThreshold = threshold
		}
		if recovery > 0 {
			e.breakerRecovery = recovery
		}
	}
}

// WithPoolSettings tunes client recycling in the shared pool.
func WithPoolSettings(maxAge time.Duration, failureThreshold int) Option {
	return func(e *Engine) {
		if maxAge > 0 {
			e.poolMaxAge = maxAge
		}
		if failureThreshold > 0 {
			e.poolThreshold = failureThreshold
		}
	}
}

// WithSummaryLength sets the max task summary length in runes.
func WithSummaryLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.summaryLen = n
		}
	}
}

// WithTailLines sets how many trailing response lines flow to downstream
// prompts.
func WithTailLines(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.tailLines = n
		}
	}
}

// WithRolePrompt overrides the system prompt for one role.
func WithRolePrompt(role Role, prompt string) Option {
	return func(e *Engine) { e.rolePrompts[role] = prompt }
}

// WithRoleDisabled removes a role from every workflow; its tasks are
// spliced out of the graph.
func WithRoleDisabled(role Role) Option {
	return func(e *Engine) { e.disabled[role] = true }
}

// WithChunkHandler streams LLM response chunks to fn as tasks run.
func WithChunkHandler(fn ChunkHandler) Option {
	return func(e *Engine) { e.chunks = fn }
}

// WithoutStreaming switches all workers to plain blocking chat calls.
// Calls stream by default.
func WithoutStreaming() Option {
	return func(e *Engine) { e.noStream = true }
}

// New builds an Engine. A provider factory and an endpoint are required.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:           nopLogger,
		store:            NewMemoryCheckpointStore(),
		workspaceRoot:    "./workspace",
		outputDir:        "./output",
		concurrency:      5,
		retry:            DefaultRetryPolicy(),
		breakerThreshold: 5,
		breakerRecovery:  60 * time.Second,
		poolMaxAge:       time.Hour,
		poolThreshold:    5,
		summaryLen:       300,
		tailLines:        20,
		rolePrompts:      make(map[Role]string),
		disabled:         make(map[Role]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.factory == nil {
		return nil, &ErrValidation{Message: "provider factory is required"}
	}
	if e.endpoint == "" {
		return nil, &ErrValidation{Message: "endpoint is required"}
	}

	ws, err := NewWorkspace(e.workspaceRoot)
	if err != nil {
		return nil, err
	}
	e.ws = ws
	e.pool = NewClientPool(e.factory,
		WithPoolMaxAge(e.poolMaxAge),
		WithPoolFailureThreshold(e.poolThreshold),
		WithPoolCollector(e.collector),
	)

	e.workers = make(map[Role]*Worker, len(Roles))
	for _, role := range Roles {
		if e.disabled[role] {
			continue
		}
		r := role
		br := NewBreaker(string(role),
			WithBreakerThreshold(e.breakerThreshold),
			WithBreakerRecovery(e.breakerRecovery),
			WithBreakerTransition(func(from, to BreakerState) {
				e.collector.Add(MetricBreakerTransition, 1,
					Label{"worker", string(r)}, Label{"from", string(from)}, Label{"to", string(to)})
				e.logger.Warn("breaker transition", "worker", r, "from", from, "to", to)
			}),
		)
		caller := NewCaller(e.pool, br, e.endpoint, e.retry,
			WithCallerLogger(e.logger),
			WithCallerCollector(e.collector),
			WithCallerRole(string(role)),
		)
		wopts := []WorkerOption{
			WithWorkerLogger(e.logger),
			WithWorkerTracer(e.tracer),
			WithWorkerCollector(e.collector),
			WithWorkerSummaryLength(e.summaryLen),
			WithWorkerTailLines(e.tailLines),
		}
		if p, ok := e.rolePrompts[role]; ok {
			wopts = append(wopts, WithWorkerSystemPrompt(p))
		}
		if e.chunks != nil {
			wopts = append(wopts, WithWorkerChunkHandler(e.chunks))
		}
		if e.noStream {
			wopts = append(wopts, WithWorkerBlockingCalls())
		}
		e.workers[role] = NewWorker(role, caller, ws, wopts...)
	}
	return e, nil
}

// Workspace returns the engine's artifact workspace.
func (e *Engine) Workspace() *Workspace { return e.ws }

// PoolStats returns the shared client pool's counters.
func (e *Engine) PoolStats() PoolStats { return e.pool.Stats() }

// Execute runs a workflow of the given type from scratch and returns its
// final state. Task failures do not produce an error; inspect
// WorkflowState.Status and Errors. The error return covers validation,
// checkpoint-store failures, and cancellation.
func (e *Engine) Execute(ctx context.Context, wt WorkflowType, requirement, contextInfo string) (*WorkflowState, error) {
	if requirement == "" {
		return nil, &ErrValidation{Message: "requirement must not be empty"}
	}
	st := newWorkflowState(wt, requirement, contextInfo)
	return e.run(ctx, st)
}

// Resume reloads a checkpointed workflow and runs its unfinished tasks.
// Completed and skipped tasks keep their recorded outputs.
func (e *Engine) Resume(ctx context.Context, workflowID string) (*WorkflowState, error) {
	rec, ok, err := e.store.Latest(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		return nil, &ErrValidation{Message: fmt.Sprintf("no checkpoints for workflow %q", workflowID)}
	}
	var st WorkflowState
	if err := json.Unmarshal(rec.State, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	st.Status = WorkflowRunning
	st.CompletedAt = time.Time{}
	if st.Tasks == nil {
		st.Tasks = make(map[string]TaskStatus)
	}
	return e.run(ctx, &st)
}

func (e *Engine) run(ctx context.Context, st *WorkflowState) (*WorkflowState, error) {
	graph, routes, err := Instantiate(st.Type, e.disabled)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(graph, e.workers, routes, e.store,
		WithSchedulerConcurrency(e.concurrency),
		WithSchedulerTaskTimeout(e.taskTimeout),
		WithSchedulerLogger(e.logger),
		WithSchedulerCollector(e.collector),
	)
	if err != nil {
		return nil, err
	}

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "workflow."+string(st.Type),
			StringAttr("workflow_id", st.WorkflowID),
		)
		defer func() { span.End() }()
	}
	e.logger.Info("workflow started",
		"workflow_id", st.WorkflowID, "type", st.Type, "tasks", len(graph.Tasks()))

	start := time.Now()
	runErr := sched.Run(ctx, st)

	typeLabel := Label{"type", string(st.Type)}
	e.collector.Record(MetricWorkflowDuration, float64(time.Since(start).Milliseconds()), typeLabel)
	e.collector.Add(MetricWorkflowCount, 1, typeLabel, Label{"status", string(st.Status)})
	if span != nil {
		span.SetAttr(StringAttr("status", string(st.Status)))
		if runErr != nil {
			span.Error(runErr)
		}
	}
	e.logger.Info("workflow finished",
		"workflow_id", st.WorkflowID, "status", st.Status,
		"files", len(st.FilesWritten), "duration", time.Since(start))

	if e.outputDir != "" {
		if rerr := writeReport(e.outputDir, st); rerr != nil {
			e.logger.Error("report write failed", "workflow_id", st.WorkflowID, "error", rerr)
		}
	}
	return st, runErr
}
