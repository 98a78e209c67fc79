// Package api is the HTTP facade (spec.md §6.1): job submission/lifecycle
// endpoints, SSE event streaming, artifact download, and the skill catalog.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kraklabs/coderun/internal/orchestrator"
)

// Server wires the Orchestrator Service to an HTTP router.
type Server struct {
	svc    *orchestrator.Service
	logger *log.Logger
	prefix string

	maxUploadBytes int64
}

// New builds a Server serving every job/skill route under prefix.
func New(svc *orchestrator.Service, prefix string, maxUploadBytes int64, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "coderun ", log.LstdFlags|log.LUTC)
	}
	return &Server{svc: svc, logger: logger, prefix: prefix, maxUploadBytes: maxUploadBytes}
}

// Router builds the full chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)

	r.Route(s.prefix, func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Post("/jobs/{jobID}/start", s.handleStartJob)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)
		r.Post("/jobs/{jobID}/abort", s.handleAbortJob)
		r.Get("/jobs/{jobID}/artifacts", s.handleListArtifacts)
		r.Get("/jobs/{jobID}/download", s.handleDownloadBundle)
		r.Get("/jobs/{jobID}/artifacts/{artifactID}/download", s.handleDownloadArtifact)
		r.Get("/skills", s.handleListSkills)
		r.Get("/skills/{code}", s.handleGetSkill)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}
