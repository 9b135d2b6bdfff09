package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/warper-ai/internal/agent"
	"github.com/ashureev/warper-ai/internal/domain"
	"github.com/ashureev/warper-ai/internal/identity"
	"github.com/ashureev/warper-ai/internal/store"
	"github.com/go-chi/chi/v5"
)

type createConversationRequest struct {
	AgentID string `json:"agentId"`
	Title   string `json:"title"`
}

type appendMessageRequest struct {
	ID      string      `json:"id"`
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// requireUser returns the caller's user id or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

// ownedConversation loads the {id} conversation of the caller, writing the
// error response when it is missing.
func (h *Handler) ownedConversation(w http.ResponseWriter, r *http.Request) (*domain.Conversation, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, false
	}
	conv, err := h.repo.GetConversation(r.Context(), userID, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	return conv, true
}

// ListConversations returns the caller's conversations, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	convs, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

// CreateConversation starts a persisted conversation. Unknown agent ids fall
// back to the general assistant.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createConversationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	conv := &domain.Conversation{
		UserID:  userID,
		AgentID: agent.Lookup(req.AgentID).ID,
		Title:   domain.TitleFrom(strings.TrimSpace(req.Title)),
	}
	if err := h.repo.CreateConversation(r.Context(), conv); err != nil {
		slog.Error("Failed to create conversation", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	slog.Info("Conversation created", "user_id", userID, "conversation_id", conv.ID, "agent_id", conv.AgentID)
	JSON(w, http.StatusCreated, conv)
}

// GetConversation returns a conversation with its messages.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	msgs, err := h.repo.ListMessages(r.Context(), conv.ID)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	conv.Messages = msgs
	JSON(w, http.StatusOK, conv)
}

// DeleteConversation removes a conversation and its messages.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	err := h.repo.DeleteConversation(r.Context(), userID, id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		slog.Error("Failed to delete conversation", "error", err, "conversation_id", id)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages returns a conversation's messages in order.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	msgs, err := h.repo.ListMessages(r.Context(), conv.ID)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// AppendMessage persists one finalized user or assistant message. Saving the
// same message id twice is accepted and stores it once.
func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	var req appendMessageRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Role != domain.RoleUser && req.Role != domain.RoleAssistant {
		Error(w, http.StatusBadRequest, "Invalid message role: "+string(req.Role))
		return
	}
	if req.Content == "" {
		Error(w, http.StatusBadRequest, "Content is required")
		return
	}

	msg := domain.ChatMessage{ID: req.ID, Role: req.Role, Content: req.Content}
	if err := h.repo.AppendMessage(r.Context(), conv.ID, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		slog.Error("Failed to append message", "error", err, "conversation_id", conv.ID)
		Error(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"status": "saved"})
}
