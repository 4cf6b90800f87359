package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/models"
)

// userFrom extracts the calling user from the X-User-ID header
func userFrom(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// SubmitRequest is the body of a batch submission
type SubmitRequest struct {
	FileName string   `json:"file_name"`
	Numbers  []string `json:"numbers"`
}

// ConsultResponse pairs a job with its resolved records
type ConsultResponse struct {
	Job     *models.JobFile       `json:"job"`
	Pending int64                 `json:"pending"`
	Records []*models.PhoneRecord `json:"records"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == "" {
		respondError(w, apperrors.NewValidationError("X-User-ID", "header is required"))
		return
	}

	var req SubmitRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, apperrors.NewValidationError("body", "invalid JSON payload"))
		return
	}

	result, err := s.coordinator.Submit(r.Context(), user, req.FileName, req.Numbers)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == "" {
		respondError(w, apperrors.NewValidationError("X-User-ID", "header is required"))
		return
	}

	jobs, err := s.coordinator.ListJobs(r.Context(), user, r.URL.Query().Get("prefix"))
	if err != nil {
		respondError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.JobFile{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"files": jobs})
}

func (s *Server) handleConsult(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == "" {
		respondError(w, apperrors.NewValidationError("X-User-ID", "header is required"))
		return
	}
	fileName := mux.Vars(r)["fileName"]

	job, records, err := s.coordinator.Consult(r.Context(), user, fileName)
	if err != nil {
		respondError(w, err)
		return
	}
	pending, err := s.coordinator.PendingCount(r.Context(), user, fileName)
	if err != nil {
		pending = 0
	}
	if records == nil {
		records = []*models.PhoneRecord{}
	}
	respondJSON(w, http.StatusOK, ConsultResponse{Job: job, Pending: pending, Records: records})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == "" {
		respondError(w, apperrors.NewValidationError("X-User-ID", "header is required"))
		return
	}
	fileName := mux.Vars(r)["fileName"]

	job, err := s.coordinator.Pause(r.Context(), user, fileName)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == "" {
		respondError(w, apperrors.NewValidationError("X-User-ID", "header is required"))
		return
	}
	fileName := mux.Vars(r)["fileName"]

	if err := s.coordinator.Remove(r.Context(), user, fileName); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed", "file_name": fileName})
}

func (s *Server) handleLookupOne(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == "" {
		respondError(w, apperrors.NewValidationError("X-User-ID", "header is required"))
		return
	}
	number := mux.Vars(r)["number"]

	lookup, err := s.coordinator.LookupOne(r.Context(), user, number)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, lookup)
}

func (s *Server) handleProxyStats(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == "" {
		respondError(w, apperrors.NewValidationError("X-User-ID", "header is required"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"identities": s.pool.Stats(user)})
}

func (s *Server) handleBlockedIPs(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == "" {
		respondError(w, apperrors.NewValidationError("X-User-ID", "header is required"))
		return
	}
	blocked := []*models.BlockedIP{}
	if s.blocked != nil {
		recs, err := s.blocked.ListByUser(r.Context(), user)
		if err != nil {
			respondError(w, err)
			return
		}
		if recs != nil {
			blocked = recs
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"blocked_ips": blocked})
}
