package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ChunkHandler receives streamed response chunks as they arrive, tagged
// with the task that produced them.
type ChunkHandler func(taskID string, chunk string)

// Worker runs tasks for one role: it composes the prompt from the
// workflow state, makes the LLM call through the resilience stack,
// extracts artifacts from the response, and writes them to the workspace.
type Worker struct {
	role         Role
	systemPrompt string
	caller       *Caller
	ws           *Workspace

	summaryLen int
	tailLines  int
	blocking   bool
	logger     *slog.Logger
	tracer     Tracer
	collector  *Collector
	chunks     ChunkHandler
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerSystemPrompt overrides the role's default persona prompt.
func WithWorkerSystemPrompt(p string) WorkerOption {
	return func(w *Worker) {
		if p != "" {
			w.systemPrompt = p
		}
	}
}

// WithWorkerSummaryLength sets the max summary length in runes. Default 300.
func WithWorkerSummaryLength(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.summaryLen = n
		}
	}
}

// WithWorkerTailLines sets how many trailing response lines are kept as
// context for downstream tasks. Default 20.
func WithWorkerTailLines(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.tailLines = n
		}
	}
}

// WithWorkerLogger attaches a logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWorkerTracer attaches a tracer.
func WithWorkerTracer(t Tracer) WorkerOption {
	return func(w *Worker) { w.tracer = t }
}

// WithWorkerCollector attaches a metrics collector.
func WithWorkerCollector(c *Collector) WorkerOption {
	return func(w *Worker) { w.collector = c }
}

// WithWorkerChunkHandler streams response chunks to fn as they arrive.
func WithWorkerChunkHandler(fn ChunkHandler) WorkerOption {
	return func(w *Worker) { w.chunks = fn }
}

// WithWorkerBlockingCalls switches the worker to plain blocking chat calls
// instead of the default streamed ones.
func WithWorkerBlockingCalls() WorkerOption {
	return func(w *Worker) { w.blocking = true }
}

// NewWorker creates a worker for one role.
func NewWorker(role Role, caller *Caller, ws *Workspace, opts ...WorkerOption) *Worker {
	w := &Worker{
		role:         role,
		systemPrompt: DefaultSystemPrompt(role),
		caller:       caller,
		ws:           ws,
		summaryLen:   300,
		tailLines:    20,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Role returns the worker's role.
func (w *Worker) Role() Role { return w.role }

// Run executes one task. deps lists the upstream task ids, in dependency
// order, whose outputs feed this task's prompt. Run never panics and never
// returns an error; failures are reported in the TaskResult.
func (w *Worker) Run(ctx context.Context, task *Task, deps []string, st *WorkflowState) TaskResult {
	start := time.Now()
	res := TaskResult{TaskID: task.ID, Status: TaskCompleted}

	var span Span
	if w.tracer != nil {
		ctx, span = w.tracer.Start(ctx, "task."+task.ID,
			StringAttr("role", string(w.role)),
			StringAttr("op", string(task.Op)),
			StringAttr("workflow_id", st.WorkflowID),
		)
		defer func() { span.End() }()
	}

	req := ChatRequest{Messages: []ChatMessage{
		SystemMessage(w.systemPrompt),
		UserMessage(w.composeUserPrompt(task, deps, st)),
	}}

	w.logger.Info("task started",
		"workflow_id", st.WorkflowID, "task", task.ID, "role", w.role, "op", task.Op)

	resp, stats, err := w.call(ctx, task.ID, req)
	res.Attempts = stats.Attempts
	res.Retries = stats.Retries
	res.Usage = stats.Usage
	roleLabel := Label{"role", string(w.role)}
	w.collector.Add(MetricTokensInput, int64(stats.Usage.PromptTokens), roleLabel)
	w.collector.Add(MetricTokensOutput, int64(stats.Usage.CompletionTokens), roleLabel)

	if err != nil {
		res.Status = TaskFailed
		res.ErrKind = Classify(err)
		res.ErrMessage = err.Error()
		if span != nil {
			span.Error(err)
		}
	} else {
		w.harvest(task, resp.Content, &res)
		if span != nil {
			span.SetAttr(IntAttr("files_written", len(res.FilesWritten)))
		}
	}

	res.Duration = time.Since(start)
	w.collector.Add(MetricTaskCount, 1, roleLabel, Label{"status", string(res.Status)})
	w.collector.Record(MetricTaskDuration, float64(res.Duration.Milliseconds()), roleLabel)
	w.logger.Info("task finished",
		"workflow_id", st.WorkflowID, "task", task.ID, "role", w.role,
		"status", res.Status, "files", len(res.FilesWritten),
		"attempts", res.Attempts, "duration", res.Duration)
	return res
}

// call runs the LLM exchange. Calls stream by default so cancellation is
// observable per chunk; chunks are forwarded to the chunk handler when one
// is configured and discarded otherwise.
func (w *Worker) call(ctx context.Context, taskID string, req ChatRequest) (ChatResponse, CallStats, error) {
	if w.blocking {
		return w.caller.Call(ctx, req, nil)
	}
	ch := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range ch {
			if w.chunks != nil {
				w.chunks(taskID, chunk)
			}
		}
	}()
	resp, stats, err := w.caller.Call(ctx, req, ch)
	<-done
	return resp, stats, err
}

// harvest extracts artifacts from the response, writes them to the
// workspace, and fills in the result. A filesystem failure fails the task.
func (w *Worker) harvest(task *Task, content string, res *TaskResult) {
	ex := ExtractArtifacts(content)
	for _, warn := range ex.Warnings {
		w.logger.Warn("artifact extraction", "task", task.ID, "warning", warn)
	}
	if ex.Duplicates > 0 {
		w.collector.Add(MetricArtifactDuplicate, int64(ex.Duplicates))
	}
	if len(ex.Rejected) > 0 {
		w.collector.Add(MetricArtifactPolicy, int64(len(ex.Rejected)))
		w.logger.Warn("artifact paths rejected", "task", task.ID, "paths", ex.Rejected)
	}

	for _, a := range ex.Artifacts {
		rel, collision, err := w.ws.Write(a)
		if err != nil {
			res.Status = TaskFailed
			res.ErrKind = KindIO
			res.ErrMessage = fmt.Sprintf("write artifact %s: %v", a.Path, err)
			return
		}
		if collision {
			w.collector.Add(MetricFileCollision, 1)
			w.logger.Warn("artifact overwrote earlier content", "task", task.ID, "path", rel)
		}
		res.FilesWritten = append(res.FilesWritten, rel)
	}
	w.collector.Record(MetricArtifactsPerTask, float64(len(ex.Artifacts)), Label{"role", string(w.role)})

	res.Summary = Summarize(content, w.summaryLen)
	res.RawTail = lastLines(content, w.tailLines)
}

// composeUserPrompt builds the user message from the requirement, the
// shared context, the task instruction, and the curated outputs of the
// task's dependencies.
func (w *Worker) composeUserPrompt(task *Task, deps []string, st *WorkflowState) string {
	var b strings.Builder
	b.WriteString("# Requirement\n\n")
	b.WriteString(st.Requirement)
	b.WriteString("\n")
	if st.Context != "" {
		b.WriteString("\n# Context\n\n")
		b.WriteString(st.Context)
		b.WriteString("\n")
	}
	b.WriteString("\n# Your task\n\n")
	b.WriteString(task.Prompt)
	b.WriteString("\n")

	wrote := false
	header := func() {
		if !wrote {
			b.WriteString("\n# Previous outputs\n")
			wrote = true
		}
	}
	for _, dep := range deps {
		out := st.Output(dep)
		if out == nil {
			if st.Tasks[dep] == TaskSkipped {
				header()
				fmt.Fprintf(&b, "\n## %s\n\nThis step was skipped and produced no output.\n", dep)
			}
			continue
		}
		header()
		if out.Status != TaskCompleted {
			fmt.Fprintf(&b, "\n## %s (%s)\n\nThis step finished with status %s.\n", out.TaskID, out.Role, out.Status)
			if msg := st.errorMessage(dep); msg != "" {
				fmt.Fprintf(&b, "Error: %s\n", msg)
			}
			continue
		}
		fmt.Fprintf(&b, "\n## %s (%s)\n\n%s\n", out.TaskID, out.Role, out.Summary)
		if len(out.FilesWritten) > 0 {
			fmt.Fprintf(&b, "\nFiles produced: %s\n", strings.Join(out.FilesWritten, ", "))
		}
		if out.RawTail != "" {
			fmt.Fprintf(&b, "\nOutput tail:\n\n%s\n", out.RawTail)
		}
	}
	return b.String()
}

// lastLines returns the trailing n non-empty-trimmed lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
