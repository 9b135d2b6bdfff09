package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/warper-ai/internal/agent"
	"github.com/ashureev/warper-ai/internal/identity"
	"github.com/ashureev/warper-ai/internal/store"
	"github.com/go-chi/chi/v5"
)

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"session_id":   identity.SessionIDFromContext(r.Context()),
		"last_seen_at": user.LastSeenAt,
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"ai_enabled": false,
	}
	if h.cfg != nil {
		resp["ai_enabled"] = h.cfg.Gateway.APIKey != ""
		resp["chat_model"] = h.cfg.Gateway.ChatModel
		resp["max_request_body_size"] = h.cfg.MaxRequestBodySize
		resp["conversation_ttl_seconds"] = int64(h.cfg.ConversationTTL.Seconds())
	}
	JSON(w, http.StatusOK, resp)
}

type agentResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Greeting    string `json:"greeting"`
}

// ListAgents returns the agent catalogue in display order.
func (h *Handler) ListAgents(w http.ResponseWriter, _ *http.Request) {
	profiles := agent.Profiles()
	out := make([]agentResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agentResponse{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Greeting:    p.Greeting(),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
