package server

import (
	"net/http"

	"github.com/ChenxingM/RenderQ/plugin"
)

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Infos())
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.registry.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "Plugin not found")
		return
	}
	writeJSON(w, http.StatusOK, plugin.Describe(p))
}
