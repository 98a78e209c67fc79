package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kraklabs/coderun/internal/apierr"
	"github.com/kraklabs/coderun/internal/orchestrator"
	"github.com/kraklabs/coderun/internal/repository"
)

type jobCreateResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	SelectedSkill string `json:"selected_skill"`
}

type jobDetailResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	SessionID     string `json:"session_id,omitempty"`
	SelectedSkill string `json:"selected_skill"`
	Agent         string `json:"agent"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	DownloadURL   string `json:"download_url,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, apierr.InvalidArgument("invalid multipart form: "+err.Error()))
		return
	}

	requirement := r.FormValue("requirement")
	skillCode := r.FormValue("skill_code")
	agent := r.FormValue("agent")
	modelProviderID := r.FormValue("model_provider_id")
	modelID := r.FormValue("model_id")
	idempotencyKey := r.FormValue("idempotency_key")

	if (modelProviderID == "") != (modelID == "") {
		writeError(w, apierr.InvalidArgument("model_provider_id and model_id must be provided together"))
		return
	}

	var outputContract map[string]any
	if raw := r.FormValue("output_contract"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &outputContract); err != nil {
			writeError(w, apierr.InvalidArgument("invalid output_contract JSON: "+err.Error()))
			return
		}
	}

	var files []orchestrator.UploadedFile
	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, h := range headers {
				f, err := h.Open()
				if err != nil {
					writeError(w, apierr.InvalidArgument("read upload: "+err.Error()))
					return
				}
				content, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					writeError(w, apierr.InvalidArgument("read upload: "+err.Error()))
					return
				}
				files = append(files, orchestrator.UploadedFile{
					Filename:    h.Filename,
					Content:     content,
					ContentType: h.Header.Get("Content-Type"),
				})
			}
		}
	}

	job, err := s.svc.CreateJob(r.Context(), orchestrator.CreateJobRequest{
		Requirement:    requirement,
		Files:          files,
		SkillCode:      skillCode,
		Agent:          agent,
		ModelProvider:  modelProviderID,
		ModelID:        modelID,
		OutputContract: outputContract,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, jobCreateResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		SelectedSkill: job.SelectedSkill,
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.svc.StartJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.svc.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToDetail(job, s.prefix))
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.svc.AbortJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToDetail(job, s.prefix))
}

func jobToDetail(job repository.Job, prefix string) jobDetailResponse {
	resp := jobDetailResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		SessionID:     job.SessionID,
		SelectedSkill: job.SelectedSkill,
		Agent:         job.Agent,
		ErrorCode:     job.ErrorCode,
		ErrorMessage:  job.ErrorMessage,
		CreatedAt:     job.CreatedAt.Format(timeLayout),
		UpdatedAt:     job.UpdatedAt.Format(timeLayout),
	}
	if job.ResultBundlePath != "" {
		resp.DownloadURL = prefix + "/jobs/" + job.ID + "/download"
	}
	return resp
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func parseInt64Param(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
