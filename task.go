package ensemble

import "time"

// TaskStatus is the lifecycle state of one task in a workflow.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskReady     TaskStatus = "READY"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskSkipped   TaskStatus = "SKIPPED"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// Task is one unit of work in a workflow graph: a role, an operation, and
// the prompt fragment specific to this step.
type Task struct {
	ID     string
	Role   Role
	Op     Operation
	Prompt string
}

// TaskResult is what a worker produced for one task.
type TaskResult struct {
	TaskID       string        `json:"task_id"`
	Status       TaskStatus    `json:"status"`
	Summary      string        `json:"summary"`
	FilesWritten []string      `json:"files_written,omitempty"`
	RawTail      string        `json:"raw_tail,omitempty"`
	ErrKind      Kind          `json:"error_kind,omitempty"`
	ErrMessage   string        `json:"error_message,omitempty"`
	Attempts     int           `json:"attempts"`
	Retries      int           `json:"retries"`
	Duration     time.Duration `json:"duration_ns"`
	Usage        Usage         `json:"usage"`
}
