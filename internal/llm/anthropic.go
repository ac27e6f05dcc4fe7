package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/InsightAgent/internal/config"
)

// AnthropicChatModel 把 Anthropic Messages API 适配为 eino BaseChatModel。
type AnthropicChatModel struct {
	client anthropic.Client
	cfg    config.LLMConfig
}

var _ model.BaseChatModel = (*AnthropicChatModel)(nil)

func NewAnthropicChatModel(cfg config.LLMConfig) (*AnthropicChatModel, error) {
	if cfg.Anthropic.APIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.Anthropic.APIKey)}
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	return &AnthropicChatModel{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (m *AnthropicChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := resolveOptions(m.cfg, m.cfg.Anthropic.Model, opts...)
	system, turns := splitSystem(input)
	if len(turns) == 0 {
		return nil, fmt.Errorf("anthropic request needs at least one user message")
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, msg := range turns {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == schema.Assistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(block))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(*options.Model),
		MaxTokens: int64(*options.MaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if options.Temperature != nil && *options.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(*options.Temperature))
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			out := schema.AssistantMessage(block.Text, nil)
			out.ResponseMeta = &schema.ResponseMeta{
				FinishReason: string(msg.StopReason),
				Usage: &schema.TokenUsage{
					PromptTokens:     int(msg.Usage.InputTokens),
					CompletionTokens: int(msg.Usage.OutputTokens),
					TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
				},
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("no text content in response")
}

func (m *AnthropicChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return streamOf(msg), nil
}
