// Package api provides HTTP handlers for the Warper API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/warper-ai/internal/config"
	"github.com/ashureev/warper-ai/internal/store"
	"github.com/go-chi/chi/v5"
)

const defaultMaxBodySize = 1 << 20

// Handler serves the account, agent catalogue and conversation endpoints.
type Handler struct {
	repo        store.Repository
	cfg         *config.Config
	maxBodySize int64
}

// NewHandler creates a new Handler. cfg may be nil in tests.
func NewHandler(repo store.Repository, cfg *config.Config) *Handler {
	h := &Handler{repo: repo, cfg: cfg, maxBodySize: defaultMaxBodySize}
	if cfg != nil && cfg.MaxRequestBodySize > 0 {
		h.maxBodySize = cfg.MaxRequestBodySize
	}
	return h
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/agents", h.ListAgents)

	r.Get("/api/conversations", h.ListConversations)
	r.Post("/api/conversations", h.CreateConversation)
	r.Get("/api/conversations/{id}", h.GetConversation)
	r.Delete("/api/conversations/{id}", h.DeleteConversation)
	r.Get("/api/conversations/{id}/messages", h.ListMessages)
	r.Post("/api/conversations/{id}/messages", h.AppendMessage)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a size-limited JSON body into v and writes the error
// response itself when it fails.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
