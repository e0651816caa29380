package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/event"
	"github.com/ChenxingM/RenderQ/queue"
)

// workerRegistration is the POST /api/workers/register body. The id is
// the worker's stable machine fingerprint, so re-registration after a
// restart lands on the same row.
type workerRegistration struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Hostname     string   `json:"hostname"`
	IPAddress    string   `json:"ip_address"`
	Pools        []string `json:"pools"`
	Capabilities []string `json:"capabilities"`
	CPUCores     int      `json:"cpu_cores"`
	MemoryTotal  int64    `json:"memory_total"`
	Version      string   `json:"version"`
}

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var reg workerRegistration
	if err := readJSON(w, r, &reg); err != nil {
		return
	}
	if reg.ID == "" || reg.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}
	if len(reg.Pools) == 0 {
		reg.Pools = []string{"default"}
	}

	now := time.Now().UTC()
	worker := &queue.Worker{
		ID:            reg.ID,
		Name:          reg.Name,
		Hostname:      reg.Hostname,
		IPAddress:     reg.IPAddress,
		Pools:         reg.Pools,
		Capabilities:  reg.Capabilities,
		CPUCores:      reg.CPUCores,
		MemoryTotal:   reg.MemoryTotal,
		Version:       reg.Version,
		Status:        queue.WorkerStatusIdle,
		LastHeartbeat: &now,
	}

	requeued, err := s.store.RegisterWorker(worker)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if requeued != "" {
		s.logger.Warnw("Requeued task of re-registering worker",
			"worker_id", worker.ID,
			"task_id", shortID(requeued),
		)
	}

	s.logger.Infow("Worker registered",
		"worker_id", worker.ID,
		"name", worker.Name,
		"hostname", worker.Hostname,
		"pools", worker.Pools,
	)
	s.bus.Emit(event.NewWorkerConnected(worker.ID, worker.Name))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "worker_id": worker.ID})
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var hb queue.WorkerHeartbeat
	if err := readJSON(w, r, &hb); err != nil {
		return
	}

	worker, err := s.store.GetWorker(id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Worker not found, please re-register")
			return
		}
		s.writeStoreError(w, err)
		return
	}

	// The store's view of assignment is authoritative; a disagreeing
	// report is worth a log line but never written back.
	if hb.Status != "" && (hb.Status != worker.Status || hb.CurrentTask != worker.CurrentTask) {
		s.logger.Debugw("Worker report disagrees with store",
			"worker_id", id,
			"reported_status", hb.Status,
			"stored_status", worker.Status,
			"reported_task", shortID(hb.CurrentTask),
			"stored_task", shortID(worker.CurrentTask),
		)
	}

	if _, err := s.store.UpdateWorkerHeartbeat(id, &hb); err != nil {
		s.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWorkerRequestTask runs the dispatch: the highest-priority
// eligible task is assigned to the polling worker. The body is null when
// nothing is eligible; workers poll again later.
func (s *Server) handleWorkerRequestTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	dispatch, err := s.store.NextTaskForWorker(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if dispatch == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	s.logger.Infow("Task assigned",
		"task_id", shortID(dispatch.Task.ID),
		"job_id", shortID(dispatch.Job.ID),
		"worker_id", id,
	)
	s.bus.Emit(event.New(event.TaskAssigned, map[string]interface{}{
		"task_id":   dispatch.Task.ID,
		"job_id":    dispatch.Job.ID,
		"worker_id": id,
	}))
	if dispatch.JobPromoted {
		s.bus.Emit(event.New(event.JobStarted, map[string]interface{}{"job_id": dispatch.Job.ID}))
	}

	writeJSON(w, http.StatusOK, dispatch)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if workers == nil {
		workers = []*queue.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.store.GetWorker(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleWorkerEnable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.EnableWorker(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Worker enabled", "worker_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleWorkerDisable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.DisableWorker(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Worker disabled", "worker_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteWorker(id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Infow("Worker deleted", "worker_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleWorkerLog returns the uploaded log of the worker's current task,
// so a farm GUI can tail what a busy worker is rendering.
func (s *Server) handleWorkerLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	worker, err := s.store.GetWorker(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	content := ""
	if worker.CurrentTask != "" {
		logPath := filepath.Join(s.cfg.LogDir, worker.CurrentTask+".log")
		data, err := os.ReadFile(logPath)
		switch {
		case os.IsNotExist(err):
			content = "Waiting for log data..."
		case err != nil:
			content = fmt.Sprintf("Error reading log: %v", err)
		default:
			content = string(data)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"log":          content,
		"worker_id":    id,
		"current_task": worker.CurrentTask,
		"status":       worker.Status,
	})
}
