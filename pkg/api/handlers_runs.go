package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/idpops/teststudio/pkg/store"
	"github.com/idpops/teststudio/pkg/testrun"
)

type startTestRunRequest struct {
	TestSetID string `json:"test_set_id"`
}

type startTestRunResponse struct {
	TestRunID string `json:"test_run_id"`
}

// handleStartTestRun submits a new test run. The response is returned
// as soon as the run is queued; execution happens asynchronously.
func (s *server) handleStartTestRun(w http.ResponseWriter, r *http.Request) {
	var req startTestRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.TestSetID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"test_set_id is required"})

		return
	}

	runID, err := s.submitter.Submit(r.Context(), req.TestSetID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, startTestRunResponse{TestRunID: runID})
}

// handleListTestRuns returns run summaries, optionally limited to the
// last N hours via the "hours" query parameter.
func (s *server) handleListTestRuns(w http.ResponseWriter, r *http.Request) {
	var since time.Time

	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"hours must be a positive integer"})

			return
		}

		since = time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	}

	runs, err := s.store.ListRuns(r.Context(), since)
	if err != nil {
		s.writeError(w, err)

		return
	}

	summaries := make([]store.Summary, 0, len(runs))
	for i := range runs {
		summaries = append(summaries, runs[i].Summarize())
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (s *server) handleGetTestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

type testRunStatusResponse struct {
	TestRunID    string         `json:"test_run_id"`
	Status       testrun.Status `json:"status"`
	Progress     float64        `json:"progress"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// handleGetTestRunStatus is the polling endpoint: a point read with no
// side effects, safe at arbitrary frequency.
func (s *server) handleGetTestRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, testRunStatusResponse{
		TestRunID:    run.TestRunID,
		Status:       run.Status,
		Progress:     run.Progress(),
		ErrorMessage: run.ErrorMessage,
	})
}

type progressRequest struct {
	CompletedFiles int `json:"completed_files"`
	FailedFiles    int `json:"failed_files"`
}

// handleRecordProgress is the pipeline's per-file progress callback.
func (s *server) handleRecordProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.CompletedFiles < 0 || req.FailedFiles < 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"progress counters must be non-negative"})

		return
	}

	if err := s.store.RecordProgress(
		r.Context(), chi.URLParam(r, "id"),
		req.CompletedFiles, req.FailedFiles,
	); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type finalizeRequest struct {
	Status               testrun.Status  `json:"status"`
	Baseline             json.RawMessage `json:"baseline,omitempty"`
	Test                 json.RawMessage `json:"test,omitempty"`
	Config               json.RawMessage `json:"config,omitempty"`
	AccuracySimilarity   *float64        `json:"accuracy_similarity,omitempty"`
	ConfidenceSimilarity *float64        `json:"confidence_similarity,omitempty"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	CompletedFiles       *int            `json:"completed_files,omitempty"`
	FailedFiles          *int            `json:"failed_files,omitempty"`
}

// handleFinalizeTestRun is the pipeline's completion callback: the only
// path that moves a RUNNING run to COMPLETED or FAILED and attaches the
// metric documents.
func (s *server) handleFinalizeTestRun(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if !req.Status.Terminal() {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"status must be COMPLETED or FAILED"})

		return
	}

	fin := &store.Finalization{
		Status:               req.Status,
		Baseline:             store.Document(req.Baseline),
		Test:                 store.Document(req.Test),
		ConfigSnapshot:       store.Document(req.Config),
		AccuracySimilarity:   req.AccuracySimilarity,
		ConfidenceSimilarity: req.ConfidenceSimilarity,
		ErrorMessage:         req.ErrorMessage,
		CompletedFiles:       req.CompletedFiles,
		FailedFiles:          req.FailedFiles,
	}

	if err := s.store.FinalizeRun(
		r.Context(), chi.URLParam(r, "id"), fin,
	); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type compareRequest struct {
	TestRunIDs []string `json:"test_run_ids"`
}

// handleCompareTestRuns builds the comparison tables for two or more
// runs. The result always reflects live store state.
func (s *server) handleCompareTestRuns(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if len(req.TestRunIDs) < 2 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"at least two test_run_ids are required"})

		return
	}

	result, err := s.comparer.Compare(r.Context(), req.TestRunIDs)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}
