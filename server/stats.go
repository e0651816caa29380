package server

import (
	"net/http"

	"github.com/ChenxingM/RenderQ/queue"
	"github.com/ChenxingM/RenderQ/version"
)

// statsResponse is the queue snapshot plus scheduler liveness, one
// payload for dashboards and the CLI.
type statsResponse struct {
	*queue.Stats
	Scheduler map[string]interface{} `json:"scheduler"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Stats:     stats,
		Scheduler: s.sched.GetStats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "RenderQ",
		"version": version.Get().Version,
		"status":  "running",
	})
}
