package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/InsightAgent/internal/config"
)

// flakyModel 前 failures 次调用返回 err，之后返回固定回复。
type flakyModel struct {
	failures int
	err      error
	calls    int
}

func (m *flakyModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.calls++
	if m.calls <= m.failures {
		return nil, m.err
	}
	return schema.AssistantMessage("ok", nil), nil
}

func (m *flakyModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return streamOf(msg), nil
}

func fastRetry(inner model.BaseChatModel, retries int) *RetryingChatModel {
	return NewRetryingChatModel(inner, RetryConfig{
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, nil)
}

func TestRetryingChatModel_RecoversFromTransientErrors(t *testing.T) {
	inner := &flakyModel{failures: 2, err: errors.New("503 upstream")}
	msg, err := fastRetry(inner, 3).Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingChatModel_GivesUp(t *testing.T) {
	inner := &flakyModel{failures: 10, err: errors.New("503 upstream")}
	_, err := fastRetry(inner, 2).Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503 upstream")
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingChatModel_ContextErrorsArePermanent(t *testing.T) {
	inner := &flakyModel{failures: 10, err: context.Canceled}
	_, err := fastRetry(inner, 5).Generate(context.Background(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingChatModel_Stream(t *testing.T) {
	inner := &flakyModel{failures: 1, err: errors.New("timeout")}
	sr, err := fastRetry(inner, 1).Stream(context.Background(), nil)
	require.NoError(t, err)
	msg, err := sr.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
}

func TestSplitSystem(t *testing.T) {
	system, turns := splitSystem([]*schema.Message{
		schema.SystemMessage("a"),
		schema.UserMessage("q"),
		nil,
		schema.SystemMessage("b"),
	})
	assert.Equal(t, "a\n\nb", system)
	require.Len(t, turns, 1)
	assert.Equal(t, "q", turns[0].Content)
}

func TestNewChatModel_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewChatModel(ctx, config.LLMConfig{Provider: "gemini"}, nil)
	assert.Error(t, err)

	_, err = NewChatModel(ctx, config.LLMConfig{Provider: config.ProviderArk}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARK_API_KEY")

	_, err = NewChatModel(ctx, config.LLMConfig{Provider: config.ProviderAnthropic}, nil)
	assert.Error(t, err)

	cm, err := NewChatModel(ctx, config.LLMConfig{
		Provider:   config.ProviderOpenAI,
		MaxRetries: 2,
		OpenAI:     config.OpenAIConfig{APIKey: "k", Model: "m"},
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RetryingChatModel{}, cm)
}

func TestOpenAIChatModel_Generate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"SELECT 1"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
	}))
	defer srv.Close()

	cm, err := NewOpenAIChatModel(config.LLMConfig{
		MaxTokens: 128,
		OpenAI:    config.OpenAIConfig{APIKey: "k", Model: "gpt-test", BaseURL: srv.URL},
	})
	require.NoError(t, err)

	msg, err := cm.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("planner"),
		schema.UserMessage("next query?"),
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", msg.Content)
	assert.Equal(t, 7, msg.ResponseMeta.Usage.TotalTokens)

	assert.Equal(t, "gpt-test", got["model"])
	messages, _ := got["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
}

func TestAnthropicChatModel_Generate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[{"type":"text","text":"Revenue is concentrated in the north."}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":6}}`))
	}))
	defer srv.Close()

	cm, err := NewAnthropicChatModel(config.LLMConfig{
		MaxTokens: 256,
		Anthropic: config.AnthropicConfig{APIKey: "k", Model: "claude-test", BaseURL: srv.URL},
	})
	require.NoError(t, err)

	msg, err := cm.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("summarizer"),
		schema.UserMessage("{}"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Revenue is concentrated in the north.", msg.Content)
	assert.Equal(t, 16, msg.ResponseMeta.Usage.TotalTokens)

	assert.Equal(t, "claude-test", got["model"])
	system, _ := got["system"].([]any)
	require.Len(t, system, 1)

	_, err = cm.Generate(context.Background(), []*schema.Message{schema.SystemMessage("only system")})
	assert.Error(t, err)
}
