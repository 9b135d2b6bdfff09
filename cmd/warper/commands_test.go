package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/warper-ai/internal/client"
	"github.com/stretchr/testify/assert"
)

func TestUserMessage(t *testing.T) {
	rateLimited := &client.StreamError{Err: &client.APIError{Status: 429, Message: "Rate limit exceeded. Please try again in a few moments."}}
	assert.Equal(t, "Rate limit exceeded. Please try again in a few moments.", userMessage(rateLimited))

	dropped := &client.StreamError{Partial: "Once", Err: errors.New("unexpected EOF")}
	assert.Equal(t, "Connection lost. Please try again.", userMessage(dropped))

	refused := &client.StreamError{Err: errors.New("connection refused")}
	assert.Equal(t, "Failed to get response. Please try again.", userMessage(refused))
}

func TestDataURL(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	got := dataURL(png)
	assert.True(t, strings.HasPrefix(got, "data:image/png;base64,"), got)
}
