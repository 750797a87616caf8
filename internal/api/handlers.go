package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/leadmail/internal/campaign"
	"github.com/foxzi/leadmail/internal/dispatch"
	"github.com/foxzi/leadmail/internal/provider"
	"github.com/foxzi/leadmail/internal/queue"
)

const maxListLimit = 1000

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Queue   *queue.Stats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// CountResponse reports how many entries an operation created
type CountResponse struct {
	CampaignID string `json:"campaign_id"`
	Created    int    `json:"created"`
}

// DispatchRequest is the optional body of POST /dispatch
type DispatchRequest struct {
	BatchSize int    `json:"batch_size,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// QueueResponse is the response for GET /queue
type QueueResponse struct {
	Entries []*queue.Entry `json:"entries"`
	Total   int            `json:"total"`
}

// CampaignListResponse is the response for GET /campaigns
type CampaignListResponse struct {
	Campaigns []*campaign.Campaign `json:"campaigns"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), "")
	if err != nil {
		s.logger.Error("failed to get queue stats", "error", err)
		sendJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "degraded",
			Version: s.version,
			Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		})
		return
	}

	sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Queue:   stats,
	})
}

// handleCampaigns handles GET /api/v1/campaigns
func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: s.engine.Catalog().Campaigns()})
}

// handleCampaignStats handles GET /api/v1/campaigns/{id}/stats
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get campaign stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

// handleEnqueue handles POST /api/v1/campaigns/{id}/enqueue
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := s.engine.EnqueueCampaign(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, err, "Failed to enqueue campaign")
		return
	}

	s.logger.Info("campaign enqueued via API", "campaign_id", id, "created", n)
	sendJSON(w, http.StatusOK, CountResponse{CampaignID: id, Created: n})
}

// handleFollowUps handles POST /api/v1/campaigns/{id}/followups
func (s *Server) handleFollowUps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := s.engine.ScheduleFollowUps(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, err, "Failed to schedule follow-ups")
		return
	}

	sendJSON(w, http.StatusOK, CountResponse{CampaignID: id, Created: n})
}

// handleDispatch handles POST /api/v1/dispatch
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.BatchSize < 0 || req.BatchSize > maxListLimit {
		sendError(w, http.StatusBadRequest, "batch_size must be between 0 and 1000")
		return
	}

	res, err := s.engine.ProcessBatch(r.Context(), dispatch.Options{
		BatchSize: req.BatchSize,
		Provider:  req.Provider,
	})
	if err != nil {
		s.sendEngineError(w, err, "Dispatch failed")
		return
	}

	sendJSON(w, http.StatusOK, res)
}

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.ListFilter{
		CampaignID: q.Get("campaign"),
		Status:     queue.Status(q.Get("status")),
		Stage:      q.Get("stage"),
		Limit:      100,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		sendError(w, http.StatusBadRequest, "Unknown status")
		return
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = min(limit, maxListLimit)
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	entries, err := s.engine.Entries(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list entries", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list entries")
		return
	}
	if entries == nil {
		entries = []*queue.Entry{}
	}

	sendJSON(w, http.StatusOK, QueueResponse{Entries: entries, Total: len(entries)})
}

// handleEntry handles GET /api/v1/queue/{id}
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.Entry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get entry")
		return
	}
	sendJSON(w, http.StatusOK, e)
}

// handleRetry handles POST /api/v1/queue/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to retry entry")
		return
	}
	sendJSON(w, http.StatusOK, e)
}

// sendEngineError maps engine errors to status codes. Unknown errors are
// logged and hidden behind msg.
func (s *Server) sendEngineError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, campaign.ErrCampaignNotFound),
		errors.Is(err, campaign.ErrTemplateNotFound):
		sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrConflict),
		errors.Is(err, queue.ErrActiveEntryExists),
		errors.Is(err, campaign.ErrCampaignDisabled):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrRetryLimit):
		sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, provider.ErrUnknownProvider):
		sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(msg, "error", err)
		sendError(w, http.StatusInternalServerError, msg)
	}
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
