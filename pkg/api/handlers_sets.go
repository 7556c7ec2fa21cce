package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/idpops/teststudio/pkg/store"
)

type testSetRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	FilePattern string `json:"file_pattern"`
	Description string `json:"description,omitempty"`
}

func (s *server) handleListTestSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.store.ListTestSets(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, sets)
}

func (s *server) handleCreateTestSet(w http.ResponseWriter, r *http.Request) {
	var req testSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"name is required"})

		return
	}

	if strings.TrimSpace(req.FilePattern) == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"file_pattern is required"})

		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ts := &store.TestSet{
		ID:          req.ID,
		Name:        req.Name,
		FilePattern: req.FilePattern,
		Description: req.Description,
		Source:      store.SourceUser,
	}

	if err := s.store.CreateTestSet(r.Context(), ts); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, ts)
}

func (s *server) handleGetTestSet(w http.ResponseWriter, r *http.Request) {
	ts, err := s.store.GetTestSet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, ts)
}

// handleUpdateTestSet updates a set's mutable fields. Identity (the ID)
// is immutable.
func (s *server) handleUpdateTestSet(w http.ResponseWriter, r *http.Request) {
	var req testSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if strings.TrimSpace(req.FilePattern) == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"file_pattern is required"})

		return
	}

	id := chi.URLParam(r, "id")

	if err := s.store.UpdateTestSet(r.Context(), &store.TestSet{
		ID:          id,
		FilePattern: req.FilePattern,
		Description: req.Description,
	}); err != nil {
		s.writeError(w, err)

		return
	}

	ts, err := s.store.GetTestSet(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, ts)
}

// handleDeleteTestSet removes a test set. Historical runs keep their
// denormalized set name.
func (s *server) handleDeleteTestSet(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTestSet(
		r.Context(), chi.URLParam(r, "id"),
	); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
