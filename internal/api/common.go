package api

import (
	"encoding/json"
	"net/http"

	"github.com/kraklabs/coderun/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apierr.Is(err, apierr.KindInvalidArgument):
		status = http.StatusBadRequest
	case apierr.Is(err, apierr.KindNotFound):
		status = http.StatusNotFound
	case apierr.Is(err, apierr.KindConflict):
		status = http.StatusConflict
	case apierr.Is(err, apierr.KindServiceUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Detail: err.Error()})
}
