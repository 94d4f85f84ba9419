// Package think produces the reasoning phase of a step: given the session
// transcript and the tools currently bound, it returns what the assistant
// said, which tools it wants to run, and whether the run is finished.
package think

import (
	"context"

	"github.com/delverhq/delver/pkg/tools"
)

// Message roles as they appear in transcripts and provider requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript entry.
type Message struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []tools.ToolCall `json:"tool_calls,omitempty"`
}

// Request carries everything a think phase needs.
type Request struct {
	SessionID string
	Messages  []Message
	Tools     []tools.Spec
}

// Result is the explicit outcome of a think phase.
type Result struct {
	// Message is the assistant's utterance for this step, if any.
	Message *Message

	// ToolCalls are the tool invocations the assistant requested.
	ToolCalls []tools.ToolCall

	// Artifact is an optional image produced during reasoning, emitted to
	// the client before any tool runs.
	Artifact *tools.Artifact

	// ShouldAct reports whether the step loop should dispatch tools.
	ShouldAct bool

	// Finished reports that the assistant considers the run complete and
	// the loop should stop after this step.
	Finished bool
}

// Thinker runs one reasoning phase.
type Thinker interface {
	Think(ctx context.Context, req Request) (*Result, error)
}

// ProviderThinker adapts an LLM provider into a Thinker.
type ProviderThinker struct {
	provider     Provider
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
}

// NewProviderThinker wraps provider with the model configuration used for
// every think call.
func NewProviderThinker(provider Provider, model, systemPrompt string, temperature float64, maxTokens int) *ProviderThinker {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &ProviderThinker{
		provider:     provider,
		model:        model,
		systemPrompt: systemPrompt,
		temperature:  temperature,
		maxTokens:    maxTokens,
	}
}

// Think calls the provider and maps its response onto a Result. A response
// with tool calls acts; one without is the final answer.
func (t *ProviderThinker) Think(ctx context.Context, req Request) (*Result, error) {
	resp, err := t.provider.Call(ctx, CallRequest{
		Model:        t.model,
		SystemPrompt: t.systemPrompt,
		Temperature:  t.temperature,
		MaxTokens:    t.maxTokens,
		Messages:     req.Messages,
		Tools:        req.Tools,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		ToolCalls: resp.ToolCalls,
		ShouldAct: len(resp.ToolCalls) > 0,
		Finished:  len(resp.ToolCalls) == 0,
	}
	if resp.Content != "" || len(resp.ToolCalls) > 0 {
		result.Message = &Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
	}
	return result, nil
}
