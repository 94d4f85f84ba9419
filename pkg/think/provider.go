package think

import (
	"context"
	"fmt"

	"github.com/delverhq/delver/pkg/tools"
)

// Provider is an interface for LLM API providers
type Provider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request CallRequest) (*CallResponse, error)

	// Provider returns the provider name
	Provider() string
}

// CallRequest contains the request parameters for an LLM call
type CallRequest struct {
	Model        string
	Messages     []Message
	Tools        []tools.Spec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// CallResponse contains the response from the LLM
type CallResponse struct {
	Content   string
	ToolCalls []tools.ToolCall
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption for a call
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewProvider creates an LLM provider by name
func NewProvider(name, apiKey string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
