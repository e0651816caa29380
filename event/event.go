// Package event carries state-change notifications between the queue core,
// the scheduler, and the WebSocket layer.
//
// Events are plain data: a type from a closed set, a payload map, and a
// timestamp. Consumers subscribe on a Bus instance; there is no package-level
// singleton, so tests and embedders can run isolated buses.
package event

import (
	"time"
)

// Type identifies what happened. The set is closed: consumers switch on
// these values and the WebSocket protocol exposes them verbatim.
type Type string

// Job events
const (
	JobSubmitted Type = "job.submitted"
	JobStarted   Type = "job.started"
	JobProgress  Type = "job.progress"
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
	JobCancelled Type = "job.cancelled"
	JobSuspended Type = "job.suspended"
	JobResumed   Type = "job.resumed"
)

// Task events
const (
	TaskAssigned  Type = "task.assigned"
	TaskStarted   Type = "task.started"
	TaskProgress  Type = "task.progress"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
)

// Worker events
const (
	WorkerConnected    Type = "worker.connected"
	WorkerDisconnected Type = "worker.disconnected"
	WorkerHeartbeat    Type = "worker.heartbeat"
)

// Event is a single state-change notification.
type Event struct {
	Type      Type                   `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// New creates an event stamped with the current time.
func New(eventType Type, data map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Payload constructors for the common event shapes. Producers may also
// build Event values directly when they carry richer payloads.

// NewJobSubmitted signals a job entering the queue.
func NewJobSubmitted(jobID, name string) Event {
	return New(JobSubmitted, map[string]interface{}{"job_id": jobID, "name": name})
}

// NewJobProgress signals an aggregated job progress change.
func NewJobProgress(jobID string, progress float64) Event {
	return New(JobProgress, map[string]interface{}{"job_id": jobID, "progress": progress})
}

// NewJobCompleted signals a job reaching its terminal completed state.
func NewJobCompleted(jobID string) Event {
	return New(JobCompleted, map[string]interface{}{"job_id": jobID})
}

// NewJobFailed signals a job reaching failed, with the triggering error.
func NewJobFailed(jobID, errorMessage string) Event {
	return New(JobFailed, map[string]interface{}{"job_id": jobID, "error": errorMessage})
}

// NewTaskProgress signals a running task reporting progress.
func NewTaskProgress(taskID, jobID string, progress float64) Event {
	return New(TaskProgress, map[string]interface{}{
		"task_id": taskID, "job_id": jobID, "progress": progress,
	})
}

// NewWorkerConnected signals a worker registering with the queue.
func NewWorkerConnected(workerID, name string) Event {
	return New(WorkerConnected, map[string]interface{}{
		"worker_id": workerID, "name": name,
	})
}

// NewWorkerDisconnected signals a worker going offline.
func NewWorkerDisconnected(workerID string) Event {
	return New(WorkerDisconnected, map[string]interface{}{"worker_id": workerID})
}
