// Package relay proxies chat, image and photo-edit requests to the AI gateway.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/warper-ai/internal/agent"
	"github.com/ashureev/warper-ai/internal/api"
	"github.com/ashureev/warper-ai/internal/config"
	"github.com/ashureev/warper-ai/internal/domain"
	"github.com/ashureev/warper-ai/internal/gateway"
	"github.com/ashureev/warper-ai/internal/identity"
	"github.com/ashureev/warper-ai/internal/sse"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultMaxRequestBodySize = 10 << 20
	defaultIdleTimeout        = 60 * time.Second
	copyBufferSize            = 32 * 1024
)

var errIdleTimeout = errors.New("upstream stream idle timeout")

// Gateway is the subset of the AI gateway client used by the relay.
type Gateway interface {
	StreamChat(ctx context.Context, messages []json.RawMessage) (io.ReadCloser, error)
	GenerateImage(ctx context.Context, prompt string, hd bool) (string, error)
	EditPhoto(ctx context.Context, prompt, imageURL string) (*gateway.PhotoEditResult, error)
}

// Handler serves the relay endpoints. It keeps no per-conversation state.
type Handler struct {
	gw           Gateway
	limiter      *RateLimiter
	log          agent.ConversationLogger
	maxBodySize  int64
	idleTimeout  time.Duration
	maxLineBytes int
}

// NewHandler creates a relay handler. A nil cfg uses the defaults.
func NewHandler(gw Gateway, cfg *config.Config, conversationLogger agent.ConversationLogger) *Handler {
	if conversationLogger == nil {
		conversationLogger = agent.NoopConversationLogger()
	}

	h := &Handler{
		gw:           gw,
		log:          conversationLogger,
		maxBodySize:  defaultMaxRequestBodySize,
		idleTimeout:  defaultIdleTimeout,
		maxLineBytes: sse.DefaultMaxLineBytes,
	}
	if cfg != nil {
		h.maxBodySize = cfg.MaxRequestBodySize
		h.idleTimeout = cfg.Stream.IdleTimeout
		h.maxLineBytes = cfg.Stream.MaxLineBytes
		if cfg.RateLimit.RequestsPerWindow > 0 {
			h.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
		}
	}
	return h
}

// RegisterRoutes registers the relay endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Post("/api/generate-image", h.HandleGenerateImage)
	r.Post("/api/photo-edit", h.HandlePhotoEdit)
	r.Get("/ws/chat", NewWebSocketHandler(h).ServeHTTP)
}

// Close stops the rate limiter's eviction loop.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

type chatRequest struct {
	Messages json.RawMessage `json:"messages"`
	AgentID  string          `json:"agentId"`
}

// badRequestError carries the message returned with a 400.
type badRequestError string

func (e badRequestError) Error() string { return string(e) }

// chatMessage is the part of a client message the relay looks at. The message
// itself is forwarded as received.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// parseChatRequest validates a chat body and returns the upstream message list
// with the agent's system prompt prepended.
func parseChatRequest(data []byte) ([]json.RawMessage, domain.AgentProfile, error) {
	var req chatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, domain.AgentProfile{}, badRequestError("Invalid request body")
	}

	raw := bytes.TrimSpace(req.Messages)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, domain.AgentProfile{}, badRequestError("Messages array is required")
	}

	var messages []json.RawMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, domain.AgentProfile{}, badRequestError("Messages must be objects with role and content")
	}
	for _, m := range messages {
		var msg chatMessage
		if len(m) == 0 || m[0] != '{' || json.Unmarshal(m, &msg) != nil {
			return nil, domain.AgentProfile{}, badRequestError("Messages must be objects with role and content")
		}
		if !domain.Role(msg.Role).Valid() {
			return nil, domain.AgentProfile{}, badRequestError("Invalid message role: " + msg.Role)
		}
	}

	profile := agent.Lookup(req.AgentID)
	system, err := json.Marshal(openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: profile.SystemPrompt,
	})
	if err != nil {
		return nil, domain.AgentProfile{}, err
	}
	upstream := make([]json.RawMessage, 0, len(messages)+1)
	upstream = append(upstream, system)
	upstream = append(upstream, messages...)
	return upstream, profile, nil
}

// lastUserMessage returns the text of the newest user message, or "" when its
// content is not a plain string.
func lastUserMessage(messages []json.RawMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		var msg chatMessage
		if json.Unmarshal(messages[i], &msg) != nil || msg.Role != openai.ChatMessageRoleUser {
			continue
		}
		var text string
		if json.Unmarshal(msg.Content, &text) != nil {
			return ""
		}
		return text
	}
	return ""
}

// allow applies the per-user limiter. Requests without an identity are keyed by IP.
func (h *Handler) allow(r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	key := identity.UserIDFromContext(r.Context())
	if key == "" {
		key = "ip:" + identity.IPFromRequest(r)
	}
	return h.limiter.Allow(key)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	return data, true
}

// withIdleTimeout derives a context that is cancelled with errIdleTimeout
// unless the returned reset func is called at least every d.
func withIdleTimeout(parent context.Context, d time.Duration) (context.Context, func(), func()) {
	ctx, cancel := context.WithCancelCause(parent)
	timer := time.AfterFunc(d, func() { cancel(errIdleTimeout) })
	reset := func() { timer.Reset(d) }
	stop := func() {
		timer.Stop()
		cancel(nil)
	}
	return ctx, reset, stop
}

// idleResetReader pushes the idle deadline back whenever bytes arrive.
type idleResetReader struct {
	r     io.Reader
	reset func()
}

func (ir *idleResetReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.reset()
	}
	return n, err
}

// streamStats observes relayed bytes for the conversation log. It never
// alters what is sent to the client.
type streamStats struct {
	parser  *sse.Parser
	content strings.Builder
	chunks  int
	bytes   int
	broken  bool
}

func (s *streamStats) observe(chunk []byte) {
	s.bytes += len(chunk)
	if s.broken {
		return
	}
	deltas, err := s.parser.Feed(chunk)
	if err != nil {
		s.broken = true
		return
	}
	for _, d := range deltas {
		s.chunks++
		s.content.WriteString(d)
	}
}

func (s *streamStats) finish() {
	if s.broken {
		return
	}
	for _, d := range s.parser.Flush() {
		s.chunks++
		s.content.WriteString(d)
	}
}

// HandleChat handles POST /api/chat. The upstream event stream is copied to
// the client byte for byte.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	reqID := chiMiddleware.GetReqID(r.Context())

	if !h.allow(r) {
		api.Error(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
		return
	}

	data, ok := h.readBody(w, r)
	if !ok {
		return
	}
	messages, profile, err := parseChatRequest(data)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	slog.Info("Chat request",
		"user_id", userID,
		"session_id", sessionID,
		"agent_id", profile.ID,
		"messages", len(messages)-1,
	)
	h.log.Log(agent.ConversationLogEvent{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		AgentID:    profile.ID,
		ContentRaw: lastUserMessage(messages),
		Meta:       map[string]any{"request_id": reqID},
	})

	ctx, resetIdle, stop := withIdleTimeout(r.Context(), h.idleTimeout)
	defer stop()

	body, err := h.gw.StreamChat(ctx, messages)
	if err != nil {
		if errors.Is(context.Cause(ctx), errIdleTimeout) {
			err = errIdleTimeout
		}
		writeGatewayError(w, err, "Failed to process chat", "user_id", userID, "agent_id", profile.ID)
		return
	}
	defer func() {
		if closeErr := body.Close(); closeErr != nil {
			slog.Debug("failed to close upstream body", "error", closeErr)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stats := &streamStats{parser: sse.NewParser(sse.WithMaxLineBytes(h.maxLineBytes))}
	partial := false
	streamErrMsg := ""

	src := &idleResetReader{r: body, reset: resetIdle}
	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			stats.observe(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				slog.Warn("client went away during chat stream", "error", writeErr, "user_id", userID)
				partial = true
				streamErrMsg = writeErr.Error()
				break
			}
			flusher.Flush()
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if cause := context.Cause(ctx); cause != nil {
				readErr = cause
			}
			partial = true
			streamErrMsg = readErr.Error()
			if !errors.Is(readErr, context.Canceled) {
				slog.Error("Upstream chat stream failed", "error", readErr, "user_id", userID, "bytes", stats.bytes)
			}
			break
		}
	}
	stats.finish()

	h.log.Log(agent.ConversationLogEvent{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		AgentID:    profile.ID,
		ContentRaw: stats.content.String(),
		Meta: map[string]any{
			"stream_chunks": stats.chunks,
			"stream_bytes":  stats.bytes,
			"partial":       partial,
			"stream_error":  streamErrMsg,
			"request_id":    reqID,
		},
	})
}

// gatewayErrorResponse maps a gateway failure to the status and message shown
// to the caller. fallback is used when the error text is not meant for users.
func gatewayErrorResponse(err error, fallback string) (int, string) {
	var upErr *gateway.UpstreamError
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, "Rate limit exceeded. Please try again in a few moments."
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "Usage limit reached. Please add credits to continue."
	case errors.As(err, &upErr):
		return http.StatusInternalServerError, upErr.Error()
	case errors.Is(err, gateway.ErrNotConfigured):
		return http.StatusInternalServerError, "LOVABLE_API_KEY is not configured"
	case errors.Is(err, errIdleTimeout):
		return http.StatusInternalServerError, "AI gateway timed out"
	default:
		return http.StatusInternalServerError, fallback
	}
}

func writeGatewayError(w http.ResponseWriter, err error, fallback string, attrs ...any) {
	status, msg := gatewayErrorResponse(err, fallback)
	if status == http.StatusInternalServerError {
		var upErr *gateway.UpstreamError
		if errors.As(err, &upErr) {
			attrs = append(attrs, "upstream_status", upErr.Status, "upstream_body", upErr.Body)
		}
		slog.Error("AI gateway error", append(attrs, "error", err)...)
	} else {
		slog.Warn("AI gateway refused request", append(attrs, "status", status)...)
	}
	api.Error(w, status, msg)
}
