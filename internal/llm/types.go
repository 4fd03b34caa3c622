package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrMalformedResponse means the upstream answered 2xx with a body that does
// not look like a chat completion. Unlike transport and status failures it is
// returned to the caller.
var ErrMalformedResponse = errors.New("malformed completion response")

// Message is one chat message on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the per-request settings. They travel with each call so a
// single Client serves every channel and survives reconfiguration.
type Params struct {
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Usage is the token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the normalized outcome of a completion call.
type Result struct {
	// CommonText is the full user-facing text: reasoning, content and usage
	// line, or an apology when Degraded.
	CommonText string
	// ExtractedText is the chat reply pulled out of the content, if any.
	ExtractedText string
	Content       string
	Reasoning     string
	// Usage is nil when the upstream did not report it.
	Usage      *Usage
	Duration   time.Duration
	Degraded   bool
	StatusCode int
}

// Model is one entry of GET /models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content          *string `json:"content"`
			ReasoningContent string  `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type modelsResponse struct {
	Data []Model `json:"data"`
}

// TransportError wraps a failure to reach the endpoint at all.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), truncateForLog(e.Body, 200))
}

// StatusText is the reason phrase shown to users.
func (e *StatusError) StatusText() string {
	return http.StatusText(e.StatusCode)
}
