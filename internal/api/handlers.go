package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/state"
)

// maxBodyBytes bounds request bodies; a persist batch may carry several
// full documents.
const maxBodyBytes = 4 * state.MaxDocumentBytes

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleSubmit handles POST /jobs.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Jobs) == 0 {
		s.writeError(w, http.StatusBadRequest, "jobs must be non-empty")
		return
	}
	if err := s.store.Submit(r.Context(), req.Jobs); err != nil {
		s.storeError(w, "submit", err)
		return
	}
	ids := make([]string, len(req.Jobs))
	for i, j := range req.Jobs {
		ids[i] = j.ID
	}
	respondJSON(w, http.StatusCreated, SubmitResponse{Submitted: len(ids), JobIDs: ids})
}

// handlePull handles POST /jobs/pull. An empty queue is 204.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Pull(r.Context())
	if err != nil {
		s.storeError(w, "pull", err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, PullResponse{Job: job})
}

// handlePutShare handles POST /shares.
func (s *Server) handlePutShare(w http.ResponseWriter, r *http.Request) {
	var rec queue.ShareRecord
	if !s.decode(w, r, &rec) {
		return
	}
	if err := s.store.PutShare(r.Context(), rec); err != nil {
		s.storeError(w, "put share", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePopShare handles POST /shares/pop.
func (s *Server) handlePopShare(w http.ResponseWriter, r *http.Request) {
	var filter queue.ShareFilter
	if !s.decode(w, r, &filter) {
		return
	}
	if filter.CampaignID == "" {
		s.writeError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}
	recs, err := s.store.PopShare(r.Context(), filter)
	if err != nil {
		s.storeError(w, "pop share", err)
		return
	}
	if recs == nil {
		recs = []queue.ShareRecord{}
	}
	respondJSON(w, http.StatusOK, PopShareResponse{Shares: recs})
}

// handlePersist handles POST /records/{collection}.
func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	var req PersistRequest
	if !s.decode(w, r, &req) {
		return
	}
	for _, d := range req.Documents {
		if err := d.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := s.store.Persist(r.Context(), collection, req.Documents); err != nil {
		s.storeError(w, "persist", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFetch handles GET /records/{collection}?source_command=a,b or
// ?id=x. Repeated parameters and comma-separated values both work.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	query := r.URL.Query()

	var filter state.Filter
	for _, field := range []string{state.FieldSourceCommand, state.FieldID} {
		values := splitValues(query[field])
		if len(values) == 0 {
			continue
		}
		if filter.Field != "" {
			s.writeError(w, http.StatusBadRequest, "filter on one field at a time")
			return
		}
		filter = state.Filter{Field: field, In: values}
	}

	docs, err := s.store.Fetch(r.Context(), collection, filter)
	if err != nil {
		s.storeError(w, "fetch", err)
		return
	}
	if docs == nil {
		docs = []state.Document{}
	}
	respondJSON(w, http.StatusOK, FetchResponse{Collection: collection, Documents: docs})
}

func splitValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// storeError maps validation failures to 400 and everything else to 500.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, queue.ErrEmptyCommand),
		errors.Is(err, queue.ErrEmptyCampaign),
		errors.Is(err, state.ErrUnknownField):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("store operation failed", "op", op, "error", err)
		s.writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
