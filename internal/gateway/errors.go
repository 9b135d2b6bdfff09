package gateway

import (
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrRateLimited means the gateway answered 429. Callers may retry after a pause.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrQuotaExceeded means the gateway answered 402. Retrying will not help.
	ErrQuotaExceeded = errors.New("usage limit reached")
	// ErrNotConfigured is returned when no API key is available.
	ErrNotConfigured = errors.New("ai gateway api key is not configured")
	// ErrEmptyResult is returned when the gateway succeeded without the expected payload.
	ErrEmptyResult = errors.New("ai gateway returned no result")
)

// UpstreamError is any other non-2xx gateway answer.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("AI gateway error: %d", e.Status)
}

// maxErrorBody bounds how much of an error body is kept for logging.
const maxErrorBody = 4 * 1024

func statusError(status int, body []byte) error {
	switch status {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusPaymentRequired:
		return ErrQuotaExceeded
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &UpstreamError{Status: status, Body: string(body)}
}

// fromOpenAIError maps errors returned by the go-openai client onto the
// gateway taxonomy. Transport errors are returned unchanged.
func fromOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return statusError(apiErr.HTTPStatusCode, []byte(apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return statusError(reqErr.HTTPStatusCode, []byte(msg))
	}
	return err
}

// HTTPStatus returns the status the relay should answer with for err.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
