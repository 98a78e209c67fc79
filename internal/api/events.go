package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kraklabs/coderun/internal/repository"
)

var terminalStatuses = map[repository.JobStatus]bool{
	repository.StatusSucceeded: true,
	repository.StatusFailed:    true,
	repository.StatusAborted:   true,
}

type ssePayload struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Source    string `json:"source"`
	EventType string `json:"event_type"`
	Message   string `json:"message"`
	Payload   any    `json:"payload"`
	CreatedAt string `json:"created_at"`
}

// handleJobEvents streams a job's event log as text/event-stream,
// polling the repository once a second until the job reaches a terminal
// status and two consecutive polls returned nothing new.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.svc.GetJob(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var lastID int64
	idleTicks := 0

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := s.svc.ListJobEvents(ctx, jobID, lastID, 200)
		if err != nil {
			return
		}
		if len(events) > 0 {
			idleTicks = 0
		}
		for _, ev := range events {
			if ev.ID > lastID {
				lastID = ev.ID
			}
			writeSSEEvent(w, ev)
		}
		if len(events) == 0 {
			fmt.Fprint(w, ": keep-alive\n\n")
			idleTicks++
		}
		flusher.Flush()

		job, err := s.svc.GetJob(ctx, jobID)
		if err != nil {
			return
		}
		if terminalStatuses[job.Status] && idleTicks >= 2 {
			return
		}
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev repository.JobEvent) {
	var payload any
	if ev.PayloadJSON != "" {
		var decoded any
		if err := json.Unmarshal([]byte(ev.PayloadJSON), &decoded); err == nil {
			payload = decoded
		}
	}
	body, err := json.Marshal(ssePayload{
		JobID:     ev.JobID,
		Status:    ev.Status,
		Source:    string(ev.Source),
		EventType: ev.EventType,
		Message:   ev.Message,
		Payload:   payload,
		CreatedAt: ev.CreatedAt.Format(timeLayout),
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, body)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
