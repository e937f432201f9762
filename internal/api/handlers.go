package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/queue"
)

const maxInvocationLimit = 500

// handleHealthz handles GET /healthz (no auth). A stopped dispatcher
// answers 503 so supervisors can restart the service.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Status.Status()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Outstanding:   st.Outstanding,
		LocalOnly:     st.LocalOnly,
	}
	code := http.StatusOK
	if st.Failed {
		resp.Status = "failed"
		resp.LastError = st.LastError
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Status.Status())
}

// handleSubmit handles POST /items.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Items) == 0 {
		s.writeError(w, http.StatusBadRequest, "items is empty")
		return
	}

	items := make([]*queue.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, &queue.Item{ID: it.ID, Group: it.Group, Payload: it.Payload})
	}
	if err := s.deps.Queue.Enqueue(items...); err != nil {
		if errors.Is(err, queue.ErrGroupEmpty) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, queue.ErrDuplicateID) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("failed to enqueue items", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue items")
		return
	}

	resp := SubmitResponse{
		IDs:         make([]string, 0, len(items)),
		Outstanding: s.deps.Queue.Outstanding(),
	}
	for _, it := range items {
		resp.IDs = append(resp.IDs, it.ID)
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// handleResults handles GET /results/{group}. With ?take=true the results
// are removed once returned.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")

	var (
		res queue.GroupResult
		ok  bool
	)
	if take, _ := strconv.ParseBool(r.URL.Query().Get("take")); take {
		res, ok = s.deps.Queue.TakeResults(group)
	} else {
		res, ok = s.deps.Queue.Results(group)
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no results for group")
		return
	}

	resp := ResultsResponse{
		Group:        res.Group,
		AllSucceeded: res.AllSucceeded,
		Items:        make([]ResultItem, 0, len(res.FinishedItems)),
	}
	for _, it := range res.FinishedItems {
		resp.Items = append(resp.Items, ResultItem{ID: it.ID, Succeeded: it.Succeeded, Output: it.Output})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleInvocations handles GET /invocations?limit=N.
func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxInvocationLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := s.deps.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read invocation journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read invocations")
		return
	}
	resp := make([]InvocationResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, invocationResponse(e))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleInvocationBatches handles GET /invocations/{id}/batches.
func (s *Server) handleInvocationBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.deps.Journal.Batches(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read batch journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read batches")
		return
	}
	resp := make([]BatchResponse, 0, len(batches))
	for _, b := range batches {
		resp = append(resp, BatchResponse(b))
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
