package server

import "net/http"

// routes builds the API route table. Patterns are method-qualified;
// path parameters are read with r.PathValue in the handlers.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Jobs
	mux.HandleFunc("POST /api/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /api/jobs/{id}/tasks", s.handleJobTasks)
	mux.HandleFunc("POST /api/jobs/{id}/suspend", s.handleSuspendJob)
	mux.HandleFunc("POST /api/jobs/{id}/resume", s.handleResumeJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("PUT /api/jobs/{id}/priority", s.handleJobPriority)

	// Tasks (worker-facing reports plus per-task controls)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/start", s.handleTaskStart)
	mux.HandleFunc("POST /api/tasks/{id}/progress", s.handleTaskProgress)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleTaskComplete)
	mux.HandleFunc("POST /api/tasks/{id}/fail", s.handleTaskFail)
	mux.HandleFunc("POST /api/tasks/{id}/log", s.handleTaskLogUpload)
	mux.HandleFunc("GET /api/tasks/{id}/log", s.handleTaskLog)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.handleTaskRetry)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleTaskCancel)
	mux.HandleFunc("POST /api/tasks/{id}/suspend", s.handleTaskSuspend)

	// Workers
	mux.HandleFunc("POST /api/workers/register", s.handleWorkerRegister)
	mux.HandleFunc("GET /api/workers", s.handleListWorkers)
	mux.HandleFunc("GET /api/workers/{id}", s.handleGetWorker)
	mux.HandleFunc("DELETE /api/workers/{id}", s.handleDeleteWorker)
	mux.HandleFunc("POST /api/workers/{id}/heartbeat", s.handleWorkerHeartbeat)
	mux.HandleFunc("POST /api/workers/{id}/request-task", s.handleWorkerRequestTask)
	mux.HandleFunc("POST /api/workers/{id}/enable", s.handleWorkerEnable)
	mux.HandleFunc("POST /api/workers/{id}/disable", s.handleWorkerDisable)
	mux.HandleFunc("GET /api/workers/{id}/log", s.handleWorkerLog)

	// Plugins
	mux.HandleFunc("GET /api/plugins", s.handleListPlugins)
	mux.HandleFunc("GET /api/plugins/{name}", s.handleGetPlugin)

	// Stats and health
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Event stream
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

// withCORS sets permissive CORS headers and answers preflight requests
// before they reach the method-qualified route table.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
