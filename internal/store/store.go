// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/warper-ai/internal/domain"
)

// ErrNotFound is returned when a conversation does not exist or belongs to
// another user.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting users, conversations and
// their messages.
type Repository interface {
	// GetUser retrieves a user by their user ID. A missing user is (nil, nil).
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateConversation inserts conv. An empty ID is filled in.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation returns the conversation without messages.
	GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error)

	// ListConversations returns the user's conversations, most recently updated first.
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	// AppendMessage adds a finalized message to the end of a conversation.
	// Saving the same message id twice is a no-op.
	AppendMessage(ctx context.Context, conversationID string, msg domain.ChatMessage) error

	// ListMessages returns a conversation's messages in append order.
	ListMessages(ctx context.Context, conversationID string) ([]domain.ChatMessage, error)

	// DeleteExpiredConversations removes conversations not updated within ttl.
	DeleteExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
