package server

import "net/http"

func (s *Server) routes() {
	s.router.Get("/health", s.health)
	s.router.Get("/event", s.globalEvents)
	s.router.Get("/project", s.currentProject)
	s.router.Post("/run", s.runOnce)

	s.router.Post("/client-tools/register", s.registerClientTools)
	s.router.Post("/client-tools/unregister", s.unregisterClientTools)
	s.router.Get("/client-tools/tools/{clientID}", s.listClientTools)
	s.router.Post("/client-tools/result", s.submitClientToolResult)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": len(s.providers.List()),
		"tools":     len(s.tools.IDs()),
	})
}

// currentProject reports the working directory's project identity (a stable
// hash of its path, plus VCS detection) so a client can scope its own
// caches/session lists the same way the shim scopes persistence storage.
func (s *Server) currentProject(w http.ResponseWriter, r *http.Request) {
	proj, err := s.project.Current(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proj)
}
