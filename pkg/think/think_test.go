package think

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delverhq/delver/pkg/tools"
)

type fakeProvider struct {
	response *CallResponse
	err      error
	lastReq  CallRequest
}

func (p *fakeProvider) Call(_ context.Context, req CallRequest) (*CallResponse, error) {
	p.lastReq = req
	return p.response, p.err
}

func (p *fakeProvider) Provider() string { return "fake" }

func TestProviderThinker_ToolCallsMeanAct(t *testing.T) {
	provider := &fakeProvider{response: &CallResponse{
		Content: "let me check",
		ToolCalls: []tools.ToolCall{
			{ID: "c1", Name: "web_search", Arguments: map[string]any{"query": "go generics"}},
		},
	}}
	thinker := NewProviderThinker(provider, "model-x", "", 0.5, 1024)

	result, err := thinker.Think(context.Background(), Request{SessionID: "s1"})
	require.NoError(t, err)

	assert.True(t, result.ShouldAct)
	assert.False(t, result.Finished)
	require.NotNil(t, result.Message)
	assert.Equal(t, RoleAssistant, result.Message.Role)
	assert.Equal(t, "let me check", result.Message.Content)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "web_search", result.ToolCalls[0].Name)
}

func TestProviderThinker_PlainAnswerMeansFinished(t *testing.T) {
	provider := &fakeProvider{response: &CallResponse{Content: "the answer is 42"}}
	thinker := NewProviderThinker(provider, "model-x", "", 0, 0)

	result, err := thinker.Think(context.Background(), Request{SessionID: "s1"})
	require.NoError(t, err)

	assert.False(t, result.ShouldAct)
	assert.True(t, result.Finished)
	require.NotNil(t, result.Message)
	assert.Equal(t, "the answer is 42", result.Message.Content)
}

func TestProviderThinker_EmptyResponseHasNoMessage(t *testing.T) {
	provider := &fakeProvider{response: &CallResponse{}}
	thinker := NewProviderThinker(provider, "model-x", "", 0, 0)

	result, err := thinker.Think(context.Background(), Request{SessionID: "s1"})
	require.NoError(t, err)

	assert.Nil(t, result.Message)
	assert.True(t, result.Finished)
}

func TestProviderThinker_PropagatesProviderErrors(t *testing.T) {
	provider := &fakeProvider{err: errors.New("rate limited")}
	thinker := NewProviderThinker(provider, "model-x", "", 0, 0)

	_, err := thinker.Think(context.Background(), Request{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestProviderThinker_ForwardsModelConfiguration(t *testing.T) {
	provider := &fakeProvider{response: &CallResponse{Content: "ok"}}
	thinker := NewProviderThinker(provider, "model-x", "be concise", 0.3, 2048)

	_, err := thinker.Think(context.Background(), Request{
		SessionID: "s1",
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
		Tools:     []tools.Spec{{Name: "browse"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "model-x", provider.lastReq.Model)
	assert.Equal(t, "be concise", provider.lastReq.SystemPrompt)
	assert.InDelta(t, 0.3, provider.lastReq.Temperature, 1e-9)
	assert.Equal(t, 2048, provider.lastReq.MaxTokens)
	require.Len(t, provider.lastReq.Messages, 1)
	require.Len(t, provider.lastReq.Tools, 1)
}

func TestNewProvider_UnsupportedName(t *testing.T) {
	_, err := NewProvider("gemini", "key")
	require.Error(t, err)

	p, err := NewProvider("anthropic", "key")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())

	p, err = NewProvider("openai", "key")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider())
}
