// Package gateway talks to the hosted OpenAI-compatible AI gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultBaseURL        = "https://ai.gateway.lovable.dev/v1"
	DefaultChatModel      = "google/gemini-3-flash-preview"
	DefaultImageModel     = "dall-e-3"
	DefaultPhotoEditModel = "google/gemini-2.5-flash-image"

	maxResponseBody = 32 << 20
)

// Config holds gateway connection settings.
type Config struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	ImageModel     string
	PhotoEditModel string
	HTTPClient     *http.Client
}

// Client calls the gateway's chat, image and photo-edit endpoints.
type Client struct {
	cfg    Config
	http   *http.Client
	images *openai.Client
}

// newStreamingHTTPClient has no overall timeout; streams are bounded by the
// caller's context instead.
func newStreamingHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}

// New creates a gateway client. Empty fields fall back to the package defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = DefaultImageModel
	}
	if cfg.PhotoEditModel == "" {
		cfg.PhotoEditModel = DefaultPhotoEditModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newStreamingHTTPClient()
	}

	oaCfg := openai.DefaultConfig(cfg.APIKey)
	oaCfg.BaseURL = cfg.BaseURL
	oaCfg.HTTPClient = httpClient

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		images: openai.NewClientWithConfig(oaCfg),
	}
}

// streamRequest is a chat completion request whose messages are passed through
// as the caller sent them.
type streamRequest struct {
	Model    string            `json:"model"`
	Messages []json.RawMessage `json:"messages"`
	Stream   bool              `json:"stream"`
}

// StreamChat starts a streaming chat completion and returns the raw event
// stream. Each message is forwarded verbatim. The caller owns the returned
// body and must close it.
func (c *Client) StreamChat(ctx context.Context, messages []json.RawMessage) (io.ReadCloser, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(streamRequest{
		Model:    c.cfg.ChatModel,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := c.newRequest(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai gateway request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, drainError(resp)
	}
	return resp.Body, nil
}

// GenerateImage creates one 1024x1024 image and returns its URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string, hd bool) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}

	quality := openai.CreateImageQualityStandard
	if hd {
		quality = openai.CreateImageQualityHD
	}
	resp, err := c.images.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          c.cfg.ImageModel,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		Quality:        quality,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", fromOpenAIError(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", ErrEmptyResult
	}
	return resp.Data[0].URL, nil
}

// PhotoEditResult is an edited image and the model's accompanying text.
type PhotoEditResult struct {
	ImageURL    string
	Description string
}

type photoEditMessage struct {
	Role    string                   `json:"role"`
	Content []openai.ChatMessagePart `json:"content"`
}

type photoEditRequest struct {
	Model      string             `json:"model"`
	Messages   []photoEditMessage `json:"messages"`
	Modalities []string           `json:"modalities"`
}

type photoEditResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Images  []struct {
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"images"`
		} `json:"message"`
	} `json:"choices"`
}

// EditPhoto sends an image with an instruction to the image-capable chat model.
func (c *Client) EditPhoto(ctx context.Context, prompt, imageURL string) (*PhotoEditResult, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(photoEditRequest{
		Model: c.cfg.PhotoEditModel,
		Messages: []photoEditMessage{{
			Role: openai.ChatMessageRoleUser,
			Content: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: imageURL}},
			},
		}},
		Modalities: []string{"image", "text"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal photo edit request: %w", err)
	}

	req, err := c.newRequest(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai gateway request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, drainError(resp)
	}

	var out photoEditResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode photo edit response: %w", err)
	}
	if len(out.Choices) == 0 || len(out.Choices[0].Message.Images) == 0 || out.Choices[0].Message.Images[0].ImageURL.URL == "" {
		return nil, ErrEmptyResult
	}
	msg := out.Choices[0].Message
	return &PhotoEditResult{
		ImageURL:    msg.Images[0].ImageURL.URL,
		Description: msg.Content,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func drainError(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return statusError(resp.StatusCode, body)
}
