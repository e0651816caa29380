// Package queue implements the render queue data model and its SQLite-backed
// store: jobs, tasks, workers, the dispatch primitive that hands tasks to
// workers, and queue-wide statistics.
//
// All mutation of queue state flows through Store. Entities are plain structs
// scanned from and written to the database; they carry no behaviour beyond
// status predicates and small mutation helpers.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job status values.
const (
	JobStatusPending   = "pending"   // submitted, tasks not yet created
	JobStatusQueued    = "queued"    // tasks created, waiting for workers
	JobStatusActive    = "active"    // at least one task dispatched
	JobStatusCompleted = "completed" // all tasks completed
	JobStatusFailed    = "failed"    // at least one task failed at aggregation
	JobStatusCancelled = "cancelled" // cancelled by user
	JobStatusSuspended = "suspended" // dispatch halted by user
)

// IsValidJobStatus returns true if the given status is a known job status.
func IsValidJobStatus(status string) bool {
	switch status {
	case JobStatusPending, JobStatusQueued, JobStatusActive,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusSuspended:
		return true
	}
	return false
}

// Job is a unit of user-submitted render work. A job is partitioned into
// tasks by its plugin at submission time; workers execute tasks and the
// scheduler aggregates their progress back onto the job.
type Job struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Plugin   string `json:"plugin"`
	Priority int    `json:"priority"` // 0-100, higher dispatches first
	Pool     string `json:"pool"`

	// PluginData is the plugin-specific parameter blob supplied at
	// submission. It is opaque everywhere but inside the named plugin,
	// which decodes it at its method boundaries.
	PluginData json.RawMessage `json:"plugin_data,omitempty"`

	Status   string  `json:"status"`
	Progress float64 `json:"progress"` // 0-100 aggregate across tasks

	TaskTotal     int `json:"task_total"`
	TaskCompleted int `json:"task_completed"`
	TaskFailed    int `json:"task_failed"`

	// DependentOn lists job ids that must reach completed before any
	// task of this job is dispatched.
	DependentOn []string `json:"dependent_on,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`

	SubmittedBy  string     `json:"submitted_by,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// NewJob creates a job in pending status with defaults applied
// (priority 50, pool "default").
func NewJob(name, plugin string) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Name:        name,
		Plugin:      plugin,
		Priority:    50,
		Pool:        "default",
		Status:      JobStatusPending,
		SubmittedAt: time.Now().UTC(),
	}
}

// IsTerminal returns true if the job has reached a final status.
// Failed jobs are terminal but may be retried.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanCancel returns true if the job may transition to cancelled.
// Any non-terminal job can be cancelled.
func (j *Job) CanCancel() bool {
	return !j.IsTerminal()
}

// CanSuspend returns true if the job may transition to suspended.
func (j *Job) CanSuspend() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusActive
}

// CanResume returns true if the job may leave suspended.
func (j *Job) CanResume() bool {
	return j.Status == JobStatusSuspended
}

// CanRetry returns true if the job's failed tasks may be re-queued.
func (j *Job) CanRetry() bool {
	return j.Status == JobStatusFailed
}

// CanDelete returns true if the job may be removed from the store.
// Only terminal jobs are deletable.
func (j *Job) CanDelete() bool {
	return j.IsTerminal()
}
