package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task status values.
const (
	TaskStatusPending   = "pending"   // waiting for a worker
	TaskStatusAssigned  = "assigned"  // handed to a worker, not yet launched
	TaskStatusRunning   = "running"   // worker reported start
	TaskStatusCompleted = "completed" // exit code 0
	TaskStatusFailed    = "failed"    // non-zero exit, timeout or cancel
)

// IsValidTaskStatus returns true if the given status is a known task status.
func IsValidTaskStatus(status string) bool {
	switch status {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Task is one executable unit of a job. Tasks are created by the job's
// plugin at submission and dispatched to workers one at a time. The command
// vector may be empty at creation; workers rebuild it locally before launch
// so that host-specific binary paths resolve on the executing machine.
type Task struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
	Index int    `json:"index"` // stable ordering within the job

	Status   string  `json:"status"`
	Progress float64 `json:"progress"` // 0-100

	Command     []string          `json:"command,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`

	// FrameStart/FrameEnd delimit the frame range for chunked renders.
	// Both nil for tasks that are not frame-based (e.g. encodes).
	FrameStart *int `json:"frame_start,omitempty"`
	FrameEnd   *int `json:"frame_end,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`

	AssignedWorker string     `json:"assigned_worker,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	LogPath        string     `json:"log_path,omitempty"`
}

// NewTask creates a pending task for the given job at the given index.
func NewTask(jobID string, index int) *Task {
	return &Task{
		ID:     uuid.New().String(),
		JobID:  jobID,
		Index:  index,
		Status: TaskStatusPending,
	}
}

// IsTerminal returns true if the task has reached a final status.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// FrameRange returns the task's frame range and true when both bounds are
// set. Non-frame tasks return (0, 0, false).
func (t *Task) FrameRange() (start, end int, ok bool) {
	if t.FrameStart == nil || t.FrameEnd == nil {
		return 0, 0, false
	}
	return *t.FrameStart, *t.FrameEnd, true
}
