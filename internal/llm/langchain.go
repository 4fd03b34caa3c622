package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// ErrDegraded is returned by the langchaingo adapter when the endpoint could
// not be used. Complete reports this as a degraded Result instead.
var ErrDegraded = errors.New("completion degraded")

// Completer sends a chat completion. *Client implements it.
type Completer interface {
	Complete(ctx context.Context, messages []Message, p Params) (*Result, error)
}

// LangchainModel adapts a Completer to llms.Model for one fixed set of Params, so
// one-shot prompts (poke replies, the ask command) can use langchaingo helpers.
type LangchainModel struct {
	client Completer
	params Params
}

var _ llms.Model = (*LangchainModel)(nil)

func NewLangchainModel(client Completer, params Params) *LangchainModel {
	return &LangchainModel{client: client, params: params}
}

// GenerateContent sends the messages through Client.Complete. Call options
// override the model, max tokens and temperature.
func (m *LangchainModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	params := m.params
	if opts.Model != "" {
		params.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		params.Temperature = opts.Temperature
	}

	wire := make([]Message, 0, len(messages))
	for _, mc := range messages {
		role, err := roleFor(mc.Role)
		if err != nil {
			return nil, err
		}
		var text strings.Builder
		for _, part := range mc.Parts {
			if tc, ok := part.(llms.TextContent); ok {
				text.WriteString(tc.Text)
			}
		}
		wire = append(wire, Message{Role: role, Content: text.String()})
	}

	result, err := m.client.Complete(ctx, wire, params)
	if err != nil {
		return nil, err
	}
	if result.Degraded {
		return nil, fmt.Errorf("%w: %s", ErrDegraded, result.CommonText)
	}

	info := map[string]any{"Reasoning": result.Reasoning}
	if result.Usage != nil {
		info["PromptTokens"] = result.Usage.PromptTokens
		info["CompletionTokens"] = result.Usage.CompletionTokens
		info["TotalTokens"] = result.Usage.TotalTokens
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content:        result.ExtractedText,
			GenerationInfo: info,
		}},
	}, nil
}

// Call implements the single-prompt form of llms.Model.
func (m *LangchainModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func roleFor(t llms.ChatMessageType) (string, error) {
	switch t {
	case llms.ChatMessageTypeSystem:
		return "system", nil
	case llms.ChatMessageTypeHuman, llms.ChatMessageTypeGeneric:
		return "user", nil
	case llms.ChatMessageTypeAI:
		return "assistant", nil
	default:
		return "", fmt.Errorf("unsupported message role %q", t)
	}
}
