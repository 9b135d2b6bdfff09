// Package conversation holds in-memory conversation state while assistant
// turns stream in.
//
// Messages are only ever appended. At most one assistant message per
// conversation is open (mutable) at a time; every other message is frozen.
// A turn moves from Streaming to either Completed or Failed and never back.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/warper-ai/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrUnknownConversation is returned for ids the store has never opened.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrTurnInProgress is returned when a conversation already has an open turn.
	ErrTurnInProgress = errors.New("assistant turn already in progress")
	// ErrTurnClosed is returned when finalizing a turn that is not open.
	ErrTurnClosed = errors.New("assistant turn is not open")
)

// TurnState is the lifecycle state of an assistant turn.
type TurnState int

const (
	TurnStreaming TurnState = iota
	TurnCompleted
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnStreaming:
		return "streaming"
	case TurnCompleted:
		return "completed"
	case TurnFailed:
		return "failed"
	default:
		return fmt.Sprintf("TurnState(%d)", int(s))
	}
}

// Persister saves finalized messages to the durable conversation store.
type Persister interface {
	SaveMessage(ctx context.Context, conversationID string, msg domain.ChatMessage) error
}

type conversationState struct {
	conv     domain.Conversation
	openTurn string
}

type turn struct {
	conversationID string
	state          TurnState
}

// Store tracks conversations and their turns. It is safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*conversationState
	turns         map[string]*turn
	persister     Persister
	now           func() time.Time
	newID         func() string
}

// Option configures a Store.
type Option func(*Store)

// WithPersister makes the session authenticated: finalized messages are
// handed to p.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*conversationState),
		turns:         make(map[string]*turn),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticated reports whether finalized messages are persisted.
func (s *Store) Authenticated() bool {
	return s.persister != nil
}

// Open registers conv and returns its id. A conversation without an id gets a
// fresh one. Messages already on conv are treated as frozen history.
func (s *Store) Open(conv domain.Conversation) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = s.newID()
	}
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	conv.Messages = append([]domain.ChatMessage(nil), conv.Messages...)
	s.conversations[conv.ID] = &conversationState{conv: conv}
	return conv.ID
}

// Forget drops a conversation and all of its turn records.
func (s *Store) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, conversationID)
	for id, t := range s.turns {
		if t.conversationID == conversationID {
			delete(s.turns, id)
		}
	}
}

// AddUserMessage appends a user message and persists it when authenticated.
// The message stays in memory even if persisting fails.
func (s *Store) AddUserMessage(ctx context.Context, conversationID, content string) (domain.ChatMessage, error) {
	s.mu.Lock()
	cs, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return domain.ChatMessage{}, ErrUnknownConversation
	}
	if cs.openTurn != "" {
		s.mu.Unlock()
		return domain.ChatMessage{}, ErrTurnInProgress
	}
	msg := domain.ChatMessage{
		ID:        s.newID(),
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: s.now(),
	}
	cs.conv.Messages = append(cs.conv.Messages, msg)
	cs.conv.UpdatedAt = msg.CreatedAt
	if cs.conv.Title == "" {
		cs.conv.Title = domain.TitleFrom(content)
	}
	p := s.persister
	s.mu.Unlock()

	if p != nil {
		if err := p.SaveMessage(ctx, conversationID, msg); err != nil {
			return msg, fmt.Errorf("persist user message: %w", err)
		}
	}
	return msg, nil
}

// StartAssistantTurn appends an empty, open assistant message and returns
// its id.
func (s *Store) StartAssistantTurn(conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return "", ErrUnknownConversation
	}
	if cs.openTurn != "" {
		return "", ErrTurnInProgress
	}

	id := s.newID()
	cs.conv.Messages = append(cs.conv.Messages, domain.ChatMessage{
		ID:        id,
		Role:      domain.RoleAssistant,
		CreatedAt: s.now(),
	})
	cs.openTurn = id
	s.turns[id] = &turn{conversationID: conversationID, state: TurnStreaming}
	return id, nil
}

// openMessage returns the open assistant message for messageID, or nil if the
// id does not name a currently streaming turn. Callers hold s.mu.
func (s *Store) openMessage(messageID string) (*conversationState, *domain.ChatMessage, int) {
	t, ok := s.turns[messageID]
	if !ok || t.state != TurnStreaming {
		return nil, nil, -1
	}
	cs, ok := s.conversations[t.conversationID]
	if !ok || cs.openTurn != messageID {
		return nil, nil, -1
	}
	// The open message is always the last one.
	i := len(cs.conv.Messages) - 1
	if i < 0 || cs.conv.Messages[i].ID != messageID {
		return nil, nil, -1
	}
	return cs, &cs.conv.Messages[i], i
}

// AppendDelta concatenates text onto the open message. It reports false and
// changes nothing when messageID is not the conversation's open turn.
func (s *Store) AppendDelta(messageID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, msg, _ := s.openMessage(messageID)
	if msg == nil {
		return false
	}
	msg.Content += text
	return true
}

// FinalizeTurn freezes the open message and persists it when authenticated.
// Empty completions are kept in memory but not persisted.
func (s *Store) FinalizeTurn(ctx context.Context, messageID string) error {
	s.mu.Lock()
	cs, msg, _ := s.openMessage(messageID)
	if msg == nil {
		s.mu.Unlock()
		return ErrTurnClosed
	}
	s.turns[messageID].state = TurnCompleted
	cs.openTurn = ""
	cs.conv.UpdatedAt = s.now()
	final := *msg
	conversationID := cs.conv.ID
	p := s.persister
	s.mu.Unlock()

	if p == nil || final.Content == "" {
		return nil
	}
	if err := p.SaveMessage(ctx, conversationID, final); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	return nil
}

// AbortTurn marks the open turn Failed. An attempt that produced no text is
// removed as if it never happened; partial text is kept as the final content.
// It reports whether the message was removed. Persisted user messages are
// never touched.
func (s *Store) AbortTurn(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, msg, i := s.openMessage(messageID)
	if msg == nil {
		return false
	}
	s.turns[messageID].state = TurnFailed
	cs.openTurn = ""

	if msg.Content != "" {
		slog.Debug("keeping partial assistant message", "conversation_id", cs.conv.ID, "message_id", messageID, "bytes", len(msg.Content))
		return false
	}
	cs.conv.Messages = cs.conv.Messages[:i]
	return true
}

// TurnState returns the state of the turn that created messageID.
func (s *Store) TurnState(messageID string) (TurnState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[messageID]
	if !ok {
		return 0, false
	}
	return t.state, true
}

// InProgress reports whether the conversation has an open turn.
func (s *Store) InProgress(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	return ok && cs.openTurn != ""
}

// Messages returns a snapshot of the conversation's messages.
func (s *Store) Messages(conversationID string) []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]domain.ChatMessage(nil), cs.conv.Messages...)
}

// Conversation returns a snapshot of the conversation.
func (s *Store) Conversation(conversationID string) (domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return domain.Conversation{}, false
	}
	conv := cs.conv
	conv.Messages = append([]domain.ChatMessage(nil), cs.conv.Messages...)
	return conv, true
}
