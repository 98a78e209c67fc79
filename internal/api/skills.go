package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kraklabs/coderun/internal/apierr"
)

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	taskType := r.URL.Query().Get("task_type")
	writeJSON(w, http.StatusOK, s.svc.ListSkills(taskType))
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		writeError(w, apierr.InvalidArgument("skill code is required"))
		return
	}
	detail, err := s.svc.GetSkill(code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
