package api

import (
	"bytes"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/leadmail/internal/sandbox"
)

func (s *Server) registerSandboxRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/messages", s.handleSandboxList)
		r.Delete("/messages", s.handleSandboxClear)
		r.Get("/messages/{id}", s.handleSandboxGet)
		r.Get("/messages/{id}/raw", s.handleSandboxRaw)
		r.Get("/stats", s.handleSandboxStats)
	})
}

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []*sandbox.Message `json:"messages"`
	Total    int                `json:"total"`
}

// SandboxMessageResponse is a captured message with its parsed headers
type SandboxMessageResponse struct {
	*sandbox.Message
	Headers map[string]string `json:"headers"`
	Size    int               `json:"size"`
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sandbox.ListFilter{
		CampaignID: q.Get("campaign"),
		To:         q.Get("to"),
		Limit:      100,
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = min(limit, maxListLimit)
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	messages, err := s.sandbox.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list sandbox messages", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	if messages == nil {
		messages = []*sandbox.Message{}
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{Messages: messages, Total: len(messages)})
}

// handleSandboxGet handles GET /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.sandboxMessage(w, r)
	if !ok {
		return
	}

	headers := make(map[string]string)
	if parsed, err := mail.ReadMessage(bytes.NewReader(msg.Data)); err == nil {
		for k := range parsed.Header {
			headers[k] = parsed.Header.Get(k)
		}
	}

	size := len(msg.Data)
	msg.Data = nil
	sendJSON(w, http.StatusOK, SandboxMessageResponse{Message: msg, Headers: headers, Size: size})
}

// handleSandboxRaw handles GET /api/v1/sandbox/messages/{id}/raw
func (s *Server) handleSandboxRaw(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.sandboxMessage(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+sanitizeFilename(msg.ID)+".eml\"")
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			sendError(w, http.StatusBadRequest, "Invalid older_than format (use Go duration: 24h)")
			return
		}
		olderThan = d
	}

	count, err := s.sandbox.Clear(r.Context(), r.URL.Query().Get("campaign"), olderThan)
	if err != nil {
		s.logger.Error("failed to clear sandbox", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}

	sendJSON(w, http.StatusOK, map[string]int{"cleared": count})
}

// handleSandboxStats handles GET /api/v1/sandbox/stats
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sandbox.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func (s *Server) sandboxMessage(w http.ResponseWriter, r *http.Request) (*sandbox.Message, bool) {
	id := chi.URLParam(r, "id")

	msg, err := s.sandbox.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get message")
		return nil, false
	}
	if msg == nil {
		sendError(w, http.StatusNotFound, "Message not found")
		return nil, false
	}
	return msg, true
}

// sanitizeFilename keeps only characters safe in a Content-Disposition filename
func sanitizeFilename(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "message"
	}
	return string(out)
}
