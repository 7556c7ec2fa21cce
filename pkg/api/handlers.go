package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/idpops/teststudio/pkg/testrun"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps domain errors onto HTTP statuses. Unclassified errors
// become a 500 without leaking internals.
func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, testrun.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, testrun.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, testrun.ErrStaleStatus):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	default:
		s.log.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the public runtime configuration.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue": map[string]any{
			"driver": s.cfg.Queue.Driver,
		},
		"storage": map[string]any{
			"input_bucket":    s.cfg.Storage.InputBucket,
			"baseline_bucket": s.cfg.Storage.BaselineBucket,
		},
		"worker": map[string]any{
			"enabled": s.cfg.Worker.Enabled,
		},
	})
}
