package api

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/kraklabs/coderun/internal/apierr"
)

type artifactItem struct {
	ID           int64  `json:"id"`
	Category     string `json:"category"`
	RelativePath string `json:"relative_path"`
	MimeType     string `json:"mime_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`
	CreatedAt    string `json:"created_at"`
}

type artifactListResponse struct {
	JobID       string         `json:"job_id"`
	Artifacts   []artifactItem `json:"artifacts"`
	BundleReady bool           `json:"bundle_ready"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	files, err := s.svc.ListArtifacts(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.svc.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]artifactItem, 0, len(files))
	for _, f := range files {
		items = append(items, artifactItem{
			ID:           f.ID,
			Category:     string(f.Category),
			RelativePath: f.RelativePath,
			MimeType:     f.MimeType,
			SizeBytes:    f.SizeBytes,
			SHA256:       f.SHA256,
			CreatedAt:    f.CreatedAt.Format(timeLayout),
		})
	}
	writeJSON(w, http.StatusOK, artifactListResponse{
		JobID:       jobID,
		Artifacts:   items,
		BundleReady: job.ResultBundlePath != "",
	})
}

func (s *Server) handleDownloadBundle(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	path, err := s.svc.GetBundlePath(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="result.zip"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	artifactID, err := parseInt64Param(r, "artifactID")
	if err != nil {
		writeError(w, apierr.InvalidArgument("invalid artifact id"))
		return
	}
	path, err := s.svc.GetArtifactPath(r.Context(), jobID, artifactID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}
