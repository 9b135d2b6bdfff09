package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/warper-ai/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "warper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetUser(ctx, "anon_none")
	require.NoError(t, err)
	assert.Nil(t, missing)

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID: "anon_1", Username: "guest", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	later := now.Add(time.Hour)
	require.NoError(t, s.UpdateLastSeen(ctx, "anon_1", later))

	user, err := s.GetUser(ctx, "anon_1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "guest", user.Username)
	assert.True(t, user.LastSeenAt.Equal(later))
	assert.True(t, user.CreatedAt.Equal(now))
}

func TestConversationsAreScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &domain.Conversation{UserID: "alice", AgentID: "math"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NotEmpty(t, conv.ID)

	got, err := s.GetConversation(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "math", got.AgentID)

	_, err = s.GetConversation(ctx, "mallory", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteConversation(ctx, "mallory", conv.ID), ErrNotFound)

	list, err := s.ListConversations(ctx, "mallory")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListConversationsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"old", "mid", "new"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateConversation(ctx, &domain.Conversation{
			ID: id, UserID: "alice", AgentID: "general", CreatedAt: ts, UpdatedAt: ts,
		}))
	}

	list, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{list[0].ID, list[1].ID, list[2].ID})

	// A new message moves the conversation to the top.
	require.NoError(t, s.AppendMessage(ctx, "old", domain.ChatMessage{Role: domain.RoleUser, Content: "bump"}))
	list, err = s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "old", list[0].ID)
	assert.Equal(t, "bump", list[0].Title)
}

func TestAppendMessageKeepsOrderAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := &domain.Conversation{UserID: "alice", AgentID: "math"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	user := domain.ChatMessage{ID: "m1", Role: domain.RoleUser, Content: "hi"}
	reply := domain.ChatMessage{ID: "m2", Role: domain.RoleAssistant, Content: "2+2=4"}
	require.NoError(t, s.AppendMessage(ctx, conv.ID, user))
	require.NoError(t, s.AppendMessage(ctx, conv.ID, reply))
	require.NoError(t, s.AppendMessage(ctx, conv.ID, user), "saving the same id twice is a no-op")

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "2+2=4", msgs[1].Content)

	got, err := s.GetConversation(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Title, "first user message becomes the title")
}

func TestAppendMessageToMissingConversation(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendMessage(context.Background(), "nope", domain.ChatMessage{Role: domain.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteConversationCascadesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := &domain.Conversation{UserID: "alice", AgentID: "code"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NoError(t, s.AppendMessage(ctx, conv.ID, domain.ChatMessage{Role: domain.RoleUser, Content: "x"}))

	require.NoError(t, s.DeleteConversation(ctx, "alice", conv.ID))

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = s.GetConversation(ctx, "alice", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteExpiredConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateConversation(ctx, &domain.Conversation{
		ID: "stale", UserID: "alice", AgentID: "general", CreatedAt: now.Add(-48 * time.Hour), UpdatedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, s.CreateConversation(ctx, &domain.Conversation{
		ID: "fresh", UserID: "alice", AgentID: "general",
	}))

	deleted, err := s.DeleteExpiredConversations(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	list, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].ID)
}

func TestConcurrentAppendsGetDistinctSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := &domain.Conversation{UserID: "alice", AgentID: "general"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.AppendMessage(ctx, conv.ID, domain.ChatMessage{
				ID: fmt.Sprintf("m%d", i), Role: domain.RoleUser, Content: "x",
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
}

func TestIsConflictError(t *testing.T) {
	assert.False(t, IsConflictError(nil))
	assert.False(t, IsConflictError(errors.New("no such table")))
	assert.True(t, IsConflictError(errors.New("database is locked")))
	assert.True(t, IsConflictError(fmt.Errorf("exec: %w", errors.New("SQLITE_BUSY"))))
}

func TestWithRetryStopsOnNonConflict(t *testing.T) {
	calls := 0
	boom := errors.New("constraint failed")
	err := withRetry(context.Background(), "test", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	calls = 0
	err = withRetry(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}
