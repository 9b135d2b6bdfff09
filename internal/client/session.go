package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/ashureev/warper-ai/internal/conversation"
	"github.com/ashureev/warper-ai/internal/domain"
	"github.com/ashureev/warper-ai/internal/sse"
)

var (
	// ErrBusy is returned when Send is called while a previous send is in flight.
	ErrBusy = errors.New("a message is already being sent")
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

// StreamError is a failed turn. Partial holds the text shown before the
// failure; it stays in the conversation unless it is empty.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial == "" {
		return fmt.Sprintf("chat stream failed: %v", e.Err)
	}
	return fmt.Sprintf("chat stream failed after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ChatStreamer opens a relay stream. *Client implements it.
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []WireMessage, agentID string) (io.ReadCloser, error)
}

// Session is one conversation as seen by a single user. Sends are serialized
// by a busy flag; a concurrent Send fails fast with ErrBusy instead of queuing.
type Session struct {
	streamer       ChatStreamer
	store          *conversation.Store
	conversationID string
	agentID        string
	busy           atomic.Bool
	parserOpts     []sse.Option
	notify         func(error)
	logger         *slog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithErrorNotifier registers the user-visible notification for failed sends.
// It is called once per failed Send.
func WithErrorNotifier(fn func(error)) SessionOption {
	return func(s *Session) { s.notify = fn }
}

// WithParserOptions passes options to the per-send SSE parser.
func WithParserOptions(opts ...sse.Option) SessionOption {
	return func(s *Session) { s.parserOpts = append(s.parserOpts, opts...) }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession binds a conversation already opened in store to an agent.
func NewSession(streamer ChatStreamer, store *conversation.Store, conversationID, agentID string, opts ...SessionOption) *Session {
	s := &Session{
		streamer:       streamer,
		store:          store,
		conversationID: conversationID,
		agentID:        agentID,
		notify:         func(error) {},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConversationID returns the id of the session's conversation.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Busy reports whether a send is in flight.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// Send appends text as a user message, streams the assistant reply and calls
// onDelta for every piece of text in arrival order. It returns the complete
// reply. On failure the turn is aborted and the error is a *StreamError.
func (s *Session) Send(ctx context.Context, text string, onDelta func(string)) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	if !s.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer s.busy.Store(false)

	if _, err := s.store.AddUserMessage(ctx, s.conversationID, text); err != nil {
		if errors.Is(err, conversation.ErrUnknownConversation) || errors.Is(err, conversation.ErrTurnInProgress) {
			return "", err
		}
		s.logger.Warn("failed to persist user message", "conversation_id", s.conversationID, "error", err)
	}
	wire := toWire(s.store.Messages(s.conversationID))

	msgID, err := s.store.StartAssistantTurn(s.conversationID)
	if err != nil {
		return "", err
	}

	body, err := s.streamer.StreamChat(ctx, wire, s.agentID)
	if err != nil {
		return "", s.fail(msgID, "", err)
	}
	defer func() { _ = body.Close() }()

	var reply strings.Builder
	for delta, err := range sse.Deltas(ctx, body, s.parserOpts...) {
		if err != nil {
			return "", s.fail(msgID, reply.String(), err)
		}
		if !s.store.AppendDelta(msgID, delta) {
			// The turn was closed underneath us; nothing more to render.
			break
		}
		reply.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	if err := s.store.FinalizeTurn(ctx, msgID); err != nil {
		if errors.Is(err, conversation.ErrTurnClosed) {
			return reply.String(), nil
		}
		s.logger.Warn("failed to persist assistant message", "conversation_id", s.conversationID, "message_id", msgID, "error", err)
	}
	return reply.String(), nil
}

func (s *Session) fail(msgID, partial string, err error) error {
	removed := s.store.AbortTurn(msgID)
	s.logger.Warn("chat turn failed",
		"conversation_id", s.conversationID,
		"message_id", msgID,
		"partial_bytes", len(partial),
		"removed", removed,
		"error", err,
	)
	streamErr := &StreamError{Partial: partial, Err: err}
	s.notify(streamErr)
	return streamErr
}

// toWire converts history for the relay. Assistant turns with no text are left
// out since the gateway rejects them.
func toWire(msgs []domain.ChatMessage) []WireMessage {
	out := make([]WireMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant && m.Content == "" {
			continue
		}
		out = append(out, WireMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
