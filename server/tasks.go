package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/event"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
)

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskStart records a worker's start report: the task goes to
// running with its start timestamp. Only an assigned task can start; a
// report from a worker whose assignment was swept away is a conflict.
func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	now := time.Now().UTC()
	err = s.store.TransitionTask(id, queue.TaskStatusRunning,
		&queue.TaskStatusUpdate{StartedAt: &now}, queue.TaskStatusAssigned)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.notifyPlugin(task, func(p plugin.Plugin, job *queue.Job) {
		p.OnTaskStart(task, job)
	})

	s.logger.Infow("Task started",
		"task_id", shortID(id),
		"job_id", shortID(task.JobID),
		"worker", task.AssignedWorker,
	)
	s.bus.Emit(event.New(event.TaskStarted, map[string]interface{}{
		"task_id": id,
		"job_id":  task.JobID,
	}))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	raw := r.URL.Query().Get("progress")
	progress, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid progress %q", raw))
		return
	}

	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateTaskProgress(id, progress); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.bus.Emit(event.NewTaskProgress(id, task.JobID, progress))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleTaskComplete records a worker's completion report, releases the
// worker and folds the result back onto the job immediately rather than
// waiting for the next scheduler tick.
func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	exitCode := queryInt(r, "exit_code", 0)

	now := time.Now().UTC()
	err = s.store.TransitionTask(id, queue.TaskStatusCompleted, &queue.TaskStatusUpdate{
		FinishedAt: &now,
		ExitCode:   &exitCode,
	}, queue.TaskStatusRunning, queue.TaskStatusAssigned)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.releaseWorker(task)

	s.notifyPlugin(task, func(p plugin.Plugin, job *queue.Job) {
		p.OnTaskComplete(task, job)
	})

	s.logger.Infow("Task completed",
		"task_id", shortID(id),
		"job_id", shortID(task.JobID),
		"exit_code", exitCode,
	)
	s.bus.Emit(event.New(event.TaskCompleted, map[string]interface{}{
		"task_id": id,
		"job_id":  task.JobID,
	}))

	s.aggregateJob(task.JobID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleTaskFail records a worker's failure report. The task keeps its
// error message and exit code; job-level failure is decided at
// aggregation once every task has reported.
func (s *Server) handleTaskFail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	exitCode := queryInt(r, "exit_code", -1)
	errorMessage := r.URL.Query().Get("error_message")

	now := time.Now().UTC()
	err = s.store.TransitionTask(id, queue.TaskStatusFailed, &queue.TaskStatusUpdate{
		FinishedAt:   &now,
		ExitCode:     &exitCode,
		ErrorMessage: errorMessage,
	}, queue.TaskStatusRunning, queue.TaskStatusAssigned)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.releaseWorker(task)

	s.notifyPlugin(task, func(p plugin.Plugin, job *queue.Job) {
		p.OnTaskFail(task, job, errorMessage)
	})

	s.logger.Warnw("Task failed",
		"task_id", shortID(id),
		"job_id", shortID(task.JobID),
		"exit_code", exitCode,
		"error", errorMessage,
	)
	s.bus.Emit(event.New(event.TaskFailed, map[string]interface{}{
		"task_id": id,
		"job_id":  task.JobID,
		"error":   errorMessage,
	}))

	s.aggregateJob(task.JobID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// notifyPlugin runs a plugin lifecycle hook for a task report. Hooks are
// advisory; a panicking plugin must not take down the report handler.
func (s *Server) notifyPlugin(task *queue.Task, hook func(p plugin.Plugin, job *queue.Job)) {
	job, err := s.store.GetJob(task.JobID)
	if err != nil {
		s.logger.Warnw("Failed to load job for plugin hook",
			"job_id", shortID(task.JobID),
			"error", err,
		)
		return
	}
	p, ok := s.registry.Get(job.Plugin)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Plugin hook panicked",
				"plugin", job.Plugin,
				"task_id", shortID(task.ID),
				"panic", r,
			)
		}
	}()
	hook(p, job)
}

// releaseWorker returns a reporting task's worker to idle. A missing
// worker row is not an error; the worker may have been swept offline or
// deleted between assignment and report.
func (s *Server) releaseWorker(task *queue.Task) {
	if task.AssignedWorker == "" {
		return
	}
	if err := s.store.ReleaseWorker(task.AssignedWorker); err != nil && !errors.IsNotFoundError(err) {
		s.logger.Warnw("Failed to release worker",
			"worker_id", task.AssignedWorker,
			"task_id", shortID(task.ID),
			"error", err,
		)
	}
}

// aggregateJob folds task results onto the job right after a report, so
// completion and follow-up creation do not wait for the ticker.
func (s *Server) aggregateJob(jobID string) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		s.logger.Warnw("Failed to load job for aggregation", "job_id", shortID(jobID), "error", err)
		return
	}
	if err := s.sched.AggregateJob(job); err != nil {
		s.logger.Errorw("Job aggregation failed", "job_id", shortID(jobID), "error", err)
	}
}

// taskLogUpload is the POST /api/tasks/{id}/log body.
type taskLogUpload struct {
	Log    string `json:"log"`
	Append bool   `json:"append"`
}

// handleTaskLogUpload persists a worker's log chunk for a task under the
// log directory, one file per task. The first upload records the log
// path on the task row.
func (s *Server) handleTaskLogUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var upload taskLogUpload
	if err := readJSON(w, r, &upload); err != nil {
		return
	}

	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create log dir: %v", err))
		return
	}

	logPath := filepath.Join(s.cfg.LogDir, id+".log")
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if upload.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(logPath, flags, 0o644)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to open log file: %v", err))
		return
	}
	if _, err := f.WriteString(upload.Log); err != nil {
		f.Close()
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write log: %v", err))
		return
	}
	if err := f.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to close log: %v", err))
		return
	}

	// best effort; the file exists even if the task row is gone
	if err := s.store.SetTaskLogPath(id, logPath); err != nil && !errors.IsNotFoundError(err) {
		s.logger.Warnw("Failed to record log path", "task_id", shortID(id), "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleTaskLog returns the uploaded log content for a task, or a
// placeholder while the worker has not uploaded anything yet.
func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	logPath := filepath.Join(s.cfg.LogDir, id+".log")
	content, err := os.ReadFile(logPath)
	switch {
	case os.IsNotExist(err):
		writeJSON(w, http.StatusOK, map[string]string{
			"log":     "Log not available yet. Waiting for worker to upload...",
			"task_id": id,
		})
		return
	case err != nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"log":     fmt.Sprintf("Error reading log: %v", err),
			"task_id": id,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"log":     string(content),
		"task_id": id,
	})
}

func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.RetryTask(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Task retrying", "task_id", shortID(id))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.CancelTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Task cancelled", "task_id", shortID(id))
	s.aggregateJob(task.JobID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTaskSuspend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.SuspendTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Task suspended", "task_id", shortID(id))
	s.aggregateJob(task.JobID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
