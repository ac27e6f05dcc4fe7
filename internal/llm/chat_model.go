package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/InsightAgent/internal/config"
	"go.uber.org/zap"
)

// NewChatModel 按 provider 初始化 eino ChatModel，并在 MaxRetries>0 时包一层指数退避重试。
func NewChatModel(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (model.BaseChatModel, error) {
	var (
		cm  model.BaseChatModel
		err error
	)
	switch cfg.Provider {
	case config.ProviderArk, "":
		cm, err = newArkChatModel(ctx, cfg)
	case config.ProviderAnthropic:
		cm, err = NewAnthropicChatModel(cfg)
	case config.ProviderOpenAI:
		cm, err = NewOpenAIChatModel(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model failed: %w", cfg.Provider, err)
	}

	if cfg.MaxRetries > 0 {
		cm = NewRetryingChatModel(cm, RetryConfig{MaxRetries: cfg.MaxRetries}, logger)
	}
	return cm, nil
}

func newArkChatModel(ctx context.Context, cfg config.LLMConfig) (*ark.ChatModel, error) {
	arkConfig := cfg.Ark
	if arkConfig.APIKey == "" || arkConfig.ModelID == "" {
		return nil, fmt.Errorf("ARK_API_KEY, ARK_MODEL_ID must be set")
	}

	chatConfig := &ark.ChatModelConfig{
		APIKey:  arkConfig.APIKey,
		Model:   arkConfig.ModelID,
		BaseURL: arkConfig.BaseURL,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		chatConfig.MaxTokens = &maxTokens
	}
	if cfg.Temperature > 0 {
		temperature := cfg.Temperature
		chatConfig.Temperature = &temperature
	}

	return ark.NewChatModel(ctx, chatConfig)
}

// splitSystem 把 system 消息合并为一段文本，其余消息按原顺序返回。
func splitSystem(input []*schema.Message) (string, []*schema.Message) {
	var (
		system []string
		turns  []*schema.Message
	)
	for _, msg := range input {
		if msg == nil {
			continue
		}
		if msg.Role == schema.System {
			system = append(system, msg.Content)
			continue
		}
		turns = append(turns, msg)
	}
	return strings.Join(system, "\n\n"), turns
}

// streamOf 把一次性生成的结果包装成单元素流，供只支持 Generate 的 provider 实现 Stream。
func streamOf(msg *schema.Message) *schema.StreamReader[*schema.Message] {
	return schema.StreamReaderFromArray([]*schema.Message{msg})
}

// resolveOptions 合并默认参数与调用方传入的 model.Option。
func resolveOptions(cfg config.LLMConfig, defaultModel string, opts ...model.Option) *model.Options {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	modelName := defaultModel
	return model.GetCommonOptions(&model.Options{
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Model:       &modelName,
	}, opts...)
}
