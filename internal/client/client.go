// Package client talks to a Warper server over HTTP and drives chat sessions
// the way the web frontend does.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/warper-ai/internal/domain"
)

const maxErrorBody = 64 * 1024

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client is an HTTP client for the Warper API. The cookie jar keeps the
// anonymous identity across calls.
type Client struct {
	baseURL   string
	http      *http.Client
	sessionID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Its Jar, if nil, is set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSessionID sets the tab session header sent with every request.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Streams are bounded by the caller's context, not a client timeout.
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	return c, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set("X-Warper-Session-ID", c.sessionID)
	}
	return req, nil
}

// do sends req and returns the response if it is 2xx. Otherwise the body is
// consumed and returned as an *APIError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()

	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return nil, apiErr
}

func (c *Client) getJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// WireMessage is one element of the relay's messages array.
type WireMessage struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

type chatRequest struct {
	Messages []WireMessage `json:"messages"`
	AgentID  string        `json:"agentId"`
}

// StreamChat posts to the relay and returns the raw event stream. The caller
// closes it.
func (c *Client) StreamChat(ctx context.Context, messages []WireMessage, agentID string) (io.ReadCloser, error) {
	if messages == nil {
		messages = []WireMessage{}
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", chatRequest{Messages: messages, AgentID: agentID})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Agents lists the agent catalogue.
func (c *Client) Agents(ctx context.Context) ([]domain.AgentProfile, error) {
	var out struct {
		Agents []domain.AgentProfile `json:"agents"`
	}
	if err := c.getJSON(ctx, http.MethodGet, "/api/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CreateConversation creates a persisted conversation owned by this client's identity.
func (c *Client) CreateConversation(ctx context.Context, agentID, title string) (*domain.Conversation, error) {
	var conv domain.Conversation
	in := map[string]string{"agentId": agentID, "title": title}
	if err := c.getJSON(ctx, http.MethodPost, "/api/conversations", in, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns this identity's conversations, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := c.getJSON(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ConversationMessages returns the persisted messages of a conversation in order.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	var out struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.getJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// AppendMessage persists a finalized message. Repeating the call with the
// same message id is harmless.
func (c *Client) AppendMessage(ctx context.Context, conversationID string, msg domain.ChatMessage) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	in := WireMessage{Role: msg.Role, Content: msg.Content}
	body := struct {
		ID string `json:"id"`
		WireMessage
	}{ID: msg.ID, WireMessage: in}
	return c.getJSON(ctx, http.MethodPost, path, body, nil)
}

// ImageResult is a generated or edited image.
type ImageResult struct {
	ImageURL    string `json:"imageUrl"`
	Description string `json:"description"`
}

// GenerateImage asks the server for one image.
func (c *Client) GenerateImage(ctx context.Context, prompt, style, quality string) (*ImageResult, error) {
	var out ImageResult
	in := map[string]string{"prompt": prompt, "style": style, "quality": quality}
	if err := c.getJSON(ctx, http.MethodPost, "/api/generate-image", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditPhoto sends a data URL image with a tool name or free-form instruction.
func (c *Client) EditPhoto(ctx context.Context, imageDataURL, tool, instruction string) (*ImageResult, error) {
	var out ImageResult
	in := map[string]string{"imageBase64": imageDataURL, "tool": tool, "instruction": instruction}
	if err := c.getJSON(ctx, http.MethodPost, "/api/photo-edit", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemotePersister saves finalized messages through the conversations API.
type RemotePersister struct {
	Client  *Client
	Timeout time.Duration
}

// SaveMessage implements conversation.Persister.
func (p *RemotePersister) SaveMessage(ctx context.Context, conversationID string, msg domain.ChatMessage) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return p.Client.AppendMessage(ctx, conversationID, msg)
}
