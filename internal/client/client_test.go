package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/ashureev/warper-ai/internal/config"
	"github.com/ashureev/warper-ai/internal/conversation"
	"github.com/ashureev/warper-ai/internal/domain"
	"github.com/ashureev/warper-ai/internal/gateway"
	"github.com/ashureev/warper-ai/internal/relay"
	"github.com/go-chi/chi/v5"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mathStream = "data: {\"choices\":[{\"delta\":{\"content\":\"2+2=\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"4\"}}]}\n\n" +
	"data: [DONE]\n\n"

// upstream is a gateway stand-in for the relay under test.
type upstream struct {
	mu       sync.Mutex
	messages []json.RawMessage
	body     string
	err      error
}

func (u *upstream) StreamChat(_ context.Context, messages []json.RawMessage) (io.ReadCloser, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.messages = messages
	if u.err != nil {
		return nil, u.err
	}
	return io.NopCloser(strings.NewReader(u.body)), nil
}

func (u *upstream) GenerateImage(context.Context, string, bool) (string, error) {
	return "", gateway.ErrEmptyResult
}

func (u *upstream) EditPhoto(context.Context, string, string) (*gateway.PhotoEditResult, error) {
	return nil, gateway.ErrEmptyResult
}

func newRelayServer(t *testing.T, up *upstream) *Client {
	t.Helper()
	r := chi.NewRouter()
	relay.NewHandler(up, &config.Config{
		MaxRequestBodySize: 1 << 20,
		Stream:             config.StreamConfig{IdleTimeout: 5 * time.Second, MaxLineBytes: 1 << 20},
	}, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestSessionConcreteScenarioThroughRelay(t *testing.T) {
	up := &upstream{body: mathStream}
	c := newRelayServer(t, up)

	store := conversation.NewStore()
	convID := store.Open(domain.Conversation{AgentID: "math"})
	s := NewSession(c, store, convID, "math")

	var deltas []string
	reply, err := s.Send(context.Background(), "hi", func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)

	assert.Equal(t, "2+2=4", reply)
	assert.Equal(t, []string{"2+2=", "4"}, deltas)

	msgs := store.Messages(convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "2+2=4", msgs[1].Content)

	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.messages, 2)
	var system, user openai.ChatCompletionMessage
	require.NoError(t, json.Unmarshal(up.messages[0], &system))
	require.NoError(t, json.Unmarshal(up.messages[1], &user))
	assert.Equal(t, openai.ChatMessageRoleSystem, system.Role)
	assert.Equal(t, "hi", user.Content)
}

func TestSessionAbortOnEmptyAfterRateLimit(t *testing.T) {
	c := newRelayServer(t, &upstream{err: gateway.ErrRateLimited})

	store := conversation.NewStore()
	convID := store.Open(domain.Conversation{})
	var notified []error
	s := NewSession(c, store, convID, "general", WithErrorNotifier(func(err error) { notified = append(notified, err) }))

	_, err := s.Send(context.Background(), "hi", nil)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Empty(t, streamErr.Partial)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "Rate limit exceeded. Please try again in a few moments.", apiErr.Message)

	msgs := store.Messages(convID)
	require.Len(t, msgs, 1, "no empty assistant message may be left behind")
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Len(t, notified, 1)
	assert.False(t, s.Busy())
}

type fakeStreamer struct {
	body    func() io.ReadCloser
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeStreamer) StreamChat(ctx context.Context, _ []WireMessage, _ string) (io.ReadCloser, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.body(), nil
}

func TestSessionKeepsPartialOnTransportFailure(t *testing.T) {
	reset := errors.New("connection reset by peer")
	streamer := &fakeStreamer{body: func() io.ReadCloser {
		return io.NopCloser(io.MultiReader(
			strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"Once upon\"}}]}\n\n"),
			iotest.ErrReader(reset),
		))
	}}

	store := conversation.NewStore()
	convID := store.Open(domain.Conversation{})
	notifications := 0
	s := NewSession(streamer, store, convID, "creative", WithErrorNotifier(func(error) { notifications++ }))

	_, err := s.Send(context.Background(), "tell me a story", nil)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "Once upon", streamErr.Partial)
	assert.ErrorIs(t, err, reset)
	assert.Equal(t, 1, notifications)

	msgs := store.Messages(convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon", msgs[1].Content)
	state, ok := store.TurnState(msgs[1].ID)
	require.True(t, ok)
	assert.Equal(t, conversation.TurnFailed, state)

	// Retrying is a fresh send.
	streamer.body = func() io.ReadCloser { return io.NopCloser(strings.NewReader(mathStream)) }
	reply, err := s.Send(context.Background(), "again", nil)
	require.NoError(t, err)
	assert.Equal(t, "2+2=4", reply)
}

func TestSessionRejectsConcurrentSend(t *testing.T) {
	streamer := &fakeStreamer{
		started: make(chan struct{}),
		release: make(chan struct{}),
		body:    func() io.ReadCloser { return io.NopCloser(strings.NewReader(mathStream)) },
	}
	store := conversation.NewStore()
	s := NewSession(streamer, store, store.Open(domain.Conversation{}), "general")

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "first", nil)
		done <- err
	}()
	<-streamer.started

	assert.True(t, s.Busy())
	_, err := s.Send(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(streamer.release)
	require.NoError(t, <-done)
	assert.False(t, s.Busy())
	assert.Len(t, store.Messages(s.ConversationID()), 2, "the rejected send must not touch the conversation")
}

func TestSessionRejectsEmptyMessage(t *testing.T) {
	store := conversation.NewStore()
	s := NewSession(&fakeStreamer{}, store, store.Open(domain.Conversation{}), "general")

	_, err := s.Send(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, store.Messages(s.ConversationID()))
}

func TestToWireSkipsEmptyAssistantTurns(t *testing.T) {
	got := toWire([]domain.ChatMessage{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: ""},
		{Role: domain.RoleUser, Content: ""},
		{Role: domain.RoleAssistant, Content: "hello"},
	})

	assert.Equal(t, []WireMessage{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleUser, Content: ""},
		{Role: domain.RoleAssistant, Content: "hello"},
	}, got)
}

func TestSessionPersistsThroughAPI(t *testing.T) {
	var (
		mu    sync.Mutex
		saved []map[string]string
	)
	r := chi.NewRouter()
	r.Post("/api/chat", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, mathStream)
	})
	r.Post("/api/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(req.Body).Decode(&body)
		body["conversation"] = chi.URLParam(req, "id")
		mu.Lock()
		saved = append(saved, body)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{}`)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	store := conversation.NewStore(conversation.WithPersister(&RemotePersister{Client: c}))
	convID := store.Open(domain.Conversation{ID: "conv-1"})
	s := NewSession(c, store, convID, "math")

	_, err = s.Send(context.Background(), "hi", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, saved, 2)
	assert.Equal(t, "user", saved[0]["role"])
	assert.Equal(t, "assistant", saved[1]["role"])
	assert.Equal(t, "2+2=4", saved[1]["content"])
	assert.Equal(t, "conv-1", saved[1]["conversation"])
	assert.NotEmpty(t, saved[1]["id"])
}

func TestClientKeepsIdentityCookie(t *testing.T) {
	var calls atomic.Int32
	var sawCookie atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.SetCookie(w, &http.Cookie{Name: "warper_anon_id", Value: "anon_x", Path: "/"})
		} else if c, err := r.Cookie("warper_anon_id"); err == nil && c.Value == "anon_x" {
			sawCookie.Store(true)
		}
		if r.Header.Get("X-Warper-Session-ID") != "tab-7" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"agents":[{"id":"math","name":"Math Expert","description":"Mathematical calculations"}]}`)
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, WithHTTPClient(srv.Client()), WithSessionID("tab-7"))
	require.NoError(t, err)

	agents, err := c.Agents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "math", agents[0].ID)

	_, err = c.Agents(context.Background())
	require.NoError(t, err)
	assert.True(t, sawCookie.Load())
}

func TestAPIErrorFallsBackToRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = c.StreamChat(context.Background(), nil, "general")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "gateway exploded", apiErr.Message)
}
