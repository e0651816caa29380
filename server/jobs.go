package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ChenxingM/RenderQ/event"
	"github.com/ChenxingM/RenderQ/queue"
)

// jobSubmission is the POST /api/jobs request body. Priority is a pointer
// so an absent field and an explicit zero can be told apart. The plugin
// payload and metadata stay raw; only the owning plugin decodes them.
type jobSubmission struct {
	Name        string          `json:"name"`
	Plugin      string          `json:"plugin"`
	Priority    *int            `json:"priority"`
	Pool        string          `json:"pool"`
	PluginData  json.RawMessage `json:"plugin_data"`
	DependentOn []string        `json:"dependent_on"`
	Metadata    json.RawMessage `json:"metadata"`
	SubmittedBy string          `json:"submitted_by"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var sub jobSubmission
	if err := readJSON(w, r, &sub); err != nil {
		return
	}
	if sub.Name == "" || sub.Plugin == "" {
		writeError(w, http.StatusBadRequest, "name and plugin are required")
		return
	}
	if sub.Priority != nil && (*sub.Priority < 0 || *sub.Priority > 100) {
		writeError(w, http.StatusBadRequest, "Priority must be 0-100")
		return
	}

	job := queue.NewJob(sub.Name, sub.Plugin)
	if sub.Priority != nil {
		job.Priority = *sub.Priority
	}
	if sub.Pool != "" {
		job.Pool = sub.Pool
	}
	job.PluginData = sub.PluginData
	job.DependentOn = sub.DependentOn
	job.Metadata = sub.Metadata
	job.SubmittedBy = sub.SubmittedBy

	if err := s.sched.SubmitJob(job); err != nil {
		s.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	jobs, err := s.store.ListJobs(status, limit, offset)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetJob(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	tasks, err := s.store.ListTasksByJob(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*queue.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleSuspendJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.SuspendJob(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Job suspended", "job_id", shortID(id))
	s.bus.Emit(event.New(event.JobSuspended, map[string]interface{}{"job_id": id}))
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.ResumeJob(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Job resumed", "job_id", shortID(id))
	s.bus.Emit(event.New(event.JobResumed, map[string]interface{}{"job_id": id}))
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.CancelJob(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Job cancelled", "job_id", shortID(id))
	s.bus.Emit(event.New(event.JobCancelled, map[string]interface{}{"job_id": id}))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.RetryJob(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Job retrying", "job_id", shortID(id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteJob(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Job deleted", "job_id", shortID(id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleJobPriority(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	raw := r.URL.Query().Get("priority")
	priority, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid priority %q", raw))
		return
	}

	if err := s.store.SetJobPriority(id, priority); err != nil {
		s.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "updated", "priority": priority})
}
