package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/warper-ai/internal/identity"
	"github.com/ashureev/warper-ai/internal/sse"
	"github.com/coder/websocket"
)

// WebSocketHandler streams chat deltas over a WebSocket instead of raw SSE.
// The client sends one chat request frame and receives delta frames followed
// by a single done or error frame.
type WebSocketHandler struct {
	relay *Handler
}

// NewWebSocketHandler creates a WebSocket front end for h.
func NewWebSocketHandler(h *Handler) *WebSocketHandler {
	return &WebSocketHandler{relay: h}
}

type wsFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

func writeFrame(ctx context.Context, ws *websocket.Conn, f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for GET /ws/chat.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if !h.relay.allow(r) {
		http.Error(w, `{"error":"Too many requests. Please slow down."}`, http.StatusTooManyRequests)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(h.relay.maxBodySize)

	ctx := r.Context()
	_, data, err := ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == -1 {
			slog.Warn("WebSocket read error", "error", err, "user_id", userID)
		}
		return
	}

	messages, profile, err := parseChatRequest(data)
	if err != nil {
		h.sendError(ctx, ws, err.Error())
		return
	}
	slog.Info("WebSocket chat request", "user_id", userID, "agent_id", profile.ID)

	streamCtx, resetIdle, stop := withIdleTimeout(ctx, h.relay.idleTimeout)
	defer stop()

	body, err := h.relay.gw.StreamChat(streamCtx, messages)
	if err != nil {
		if errors.Is(context.Cause(streamCtx), errIdleTimeout) {
			err = errIdleTimeout
		}
		_, msg := gatewayErrorResponse(err, "Failed to process chat")
		slog.Warn("WebSocket chat upstream failed", "error", err, "user_id", userID)
		h.sendError(ctx, ws, msg)
		return
	}
	defer func() { _ = body.Close() }()

	src := &idleResetReader{r: body, reset: resetIdle}
	for delta, err := range sse.Deltas(streamCtx, src, sse.WithMaxLineBytes(h.relay.maxLineBytes)) {
		if err != nil {
			if cause := context.Cause(streamCtx); errors.Is(cause, errIdleTimeout) {
				err = cause
			}
			slog.Warn("WebSocket chat stream failed", "error", err, "user_id", userID)
			h.sendError(ctx, ws, "Connection lost. Please try again.")
			return
		}
		if err := writeFrame(ctx, ws, wsFrame{Type: "delta", Content: delta}); err != nil {
			slog.Debug("WebSocket write failed", "error", err, "user_id", userID)
			return
		}
	}

	if err := writeFrame(ctx, ws, wsFrame{Type: "done"}); err != nil {
		slog.Debug("WebSocket write failed", "error", err, "user_id", userID)
	}
}

func (h *WebSocketHandler) sendError(ctx context.Context, ws *websocket.Conn, msg string) {
	if err := writeFrame(ctx, ws, wsFrame{Type: "error", Content: msg}); err != nil {
		slog.Debug("Failed to send websocket error frame", "error", err)
	}
}
