package ensemble

import "time"

// WorkflowStatus is the lifecycle state of a whole workflow run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// RoleOutput is the recorded outcome of one completed task, kept in the
// workflow state for downstream prompts and the final report.
type RoleOutput struct {
	TaskID       string     `json:"task_id"`
	Role         Role       `json:"role"`
	Op           Operation  `json:"op"`
	Status       TaskStatus `json:"status"`
	Summary      string     `json:"summary"`
	FilesWritten []string   `json:"files_written,omitempty"`
	RawTail      string     `json:"raw_tail,omitempty"`
	Usage        Usage      `json:"usage"`
	Attempts     int        `json:"attempts"`
	CompletedAt  time.Time  `json:"completed_at"`
}

// WorkflowError records one task failure in the order it happened.
type WorkflowError struct {
	Step      string    `json:"step"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowState is the complete, JSON-serializable state of one workflow
// run. It is what gets checkpointed after every task and what Execute
// returns.
type WorkflowState struct {
	WorkflowID   string                `json:"workflow_id"`
	Type         WorkflowType          `json:"type"`
	Requirement  string                `json:"requirement"`
	Context      string                `json:"context,omitempty"`
	Status       WorkflowStatus        `json:"status"`
	Tasks        map[string]TaskStatus `json:"tasks"`
	Outputs      []RoleOutput          `json:"outputs"`
	FilesWritten []string              `json:"files_written,omitempty"`
	Errors       []WorkflowError       `json:"errors,omitempty"`
	Usage        Usage                 `json:"usage"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  time.Time             `json:"completed_at,omitzero"`
}

// newWorkflowState initializes a running state with a fresh UUIDv7 id.
func newWorkflowState(wt WorkflowType, requirement, context string) *WorkflowState {
	return &WorkflowState{
		WorkflowID:  NewID(),
		Type:        wt,
		Requirement: requirement,
		Context:     context,
		Status:      WorkflowRunning,
		Tasks:       make(map[string]TaskStatus),
		StartedAt:   time.Now().UTC(),
	}
}

// Output returns the recorded output for a task id, or nil.
func (s *WorkflowState) Output(taskID string) *RoleOutput {
	for i := range s.Outputs {
		if s.Outputs[i].TaskID == taskID {
			return &s.Outputs[i]
		}
	}
	return nil
}

// addOutput records an output, at most one entry per task id. A completed
// entry is never replaced; a failed entry from an earlier run is replaced
// when the task is re-executed after a resume. Usage always accumulates,
// tokens spent on the failed attempt were still spent.
func (s *WorkflowState) addOutput(o RoleOutput) {
	if prev := s.Output(o.TaskID); prev != nil {
		if prev.Status != TaskCompleted {
			s.Usage.Add(o.Usage)
			*prev = o
		}
		return
	}
	s.Outputs = append(s.Outputs, o)
	s.Usage.Add(o.Usage)
}

// addFiles merges paths into FilesWritten, preserving first-seen order.
func (s *WorkflowState) addFiles(paths []string) {
	for _, p := range paths {
		dup := false
		for _, have := range s.FilesWritten {
			if have == p {
				dup = true
				break
			}
		}
		if !dup {
			s.FilesWritten = append(s.FilesWritten, p)
		}
	}
}

// addError records one task failure.
func (s *WorkflowState) addError(step string, kind Kind, msg string) {
	s.Errors = append(s.Errors, WorkflowError{
		Step:      step,
		Kind:      kind,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}

// errorMessage returns the most recent recorded error message for a step,
// or "" when the step never failed.
func (s *WorkflowState) errorMessage(step string) string {
	for i := len(s.Errors) - 1; i >= 0; i-- {
		if s.Errors[i].Step == step {
			return s.Errors[i].Message
		}
	}
	return ""
}

// snapshot returns a read-only copy safe to hand to a concurrent task
// while the scheduler keeps mutating the original.
func (s *WorkflowState) snapshot() *WorkflowState {
	c := *s
	c.Tasks = make(map[string]TaskStatus, len(s.Tasks))
	for k, v := range s.Tasks {
		c.Tasks[k] = v
	}
	c.Outputs = append([]RoleOutput(nil), s.Outputs...)
	c.FilesWritten = append([]string(nil), s.FilesWritten...)
	c.Errors = append([]WorkflowError(nil), s.Errors...)
	return &c
}

// finish stamps the terminal status and completion time.
func (s *WorkflowState) finish(status WorkflowStatus) {
	s.Status = status
	s.CompletedAt = time.Now().UTC()
}
