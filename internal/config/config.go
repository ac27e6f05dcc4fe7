package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/wwwzy/InsightAgent/internal/agent"
	"github.com/wwwzy/InsightAgent/internal/retrieval"
	"github.com/wwwzy/InsightAgent/internal/storage"
)

const (
	ProviderArk       = "ark"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	ModelID string `mapstructure:"model_id"`
	BaseURL string `mapstructure:"base_url"`
}

type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type LLMConfig struct {
	Provider    string          `mapstructure:"provider" validate:"oneof=ark anthropic openai"`
	MaxTokens   int             `mapstructure:"max_tokens" validate:"gte=0"`
	Temperature float32         `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxRetries  int             `mapstructure:"max_retries" validate:"gte=0"`
	Ark         ArkConfig       `mapstructure:"ark"`
	Anthropic   AnthropicConfig `mapstructure:"anthropic"`
	OpenAI      OpenAIConfig    `mapstructure:"openai"`
}

type MetricsConfig struct {
	// Addr 为 Prometheus 指标监听地址，留空表示不暴露。
	Addr string `mapstructure:"addr"`
}

type Config struct {
	LogLevel  string                    `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFile   string                    `mapstructure:"log_file"`
	Storage   storage.Config            `mapstructure:"storage"`
	LLM       LLMConfig                 `mapstructure:"llm"`
	Embedding retrieval.EmbeddingConfig `mapstructure:"embedding"`
	Retrieval retrieval.Config          `mapstructure:"retrieval"`
	Agent     agent.Config              `mapstructure:"agent"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Load(cfgFile string) (*Config, error) {
	// 1. 初始化 Viper
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// 默认搜索路径
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.insightagent")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("INSIGHTAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只会处理 viper "知道" 的 key，所有 key 都必须先在 setDefaults 里登记，
	// 否则仅存在于环境变量中的值会被忽略。
	setDefaults(v)

	// 2. 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件未找到，使用默认值
	}

	// 3. 反序列化 (文件/环境变量 覆盖 默认值)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 4. 结构校验；模型凭据在真正需要时由 ValidateLLM 检查
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed on %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Retrieval.Backend == retrieval.BackendQdrant && c.Retrieval.Qdrant.URL == "" {
		return fmt.Errorf("retrieval.qdrant.url is required when retrieval.backend=qdrant")
	}
	return nil
}

// ValidateLLM 检查当前 provider 的凭据是否齐全。
func (c *Config) ValidateLLM() error {
	switch c.LLM.Provider {
	case ProviderArk:
		if c.LLM.Ark.APIKey == "" {
			return fmt.Errorf("llm.ark.api_key is required (or set ARK_API_KEY env var)")
		}
		if c.LLM.Ark.ModelID == "" {
			return fmt.Errorf("llm.ark.model_id is required (or set ARK_MODEL_ID env var)")
		}
	case ProviderAnthropic:
		if c.LLM.Anthropic.APIKey == "" {
			return fmt.Errorf("llm.anthropic.api_key is required (or set ANTHROPIC_API_KEY env var)")
		}
	case ProviderOpenAI:
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("llm.openai.api_key is required (or set OPENAI_API_KEY env var)")
		}
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	return nil
}

// ValidateEmbedding 在配置了参考文档时检查 embedding 凭据。
func (c *Config) ValidateEmbedding() error {
	if c.Retrieval.Document == "" {
		return nil
	}
	if c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api_key is required when retrieval.document is set (or set OPENAI_API_KEY env var)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// -------------------------------------------------------------------------
	// Global Defaults (全局默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("metrics.addr", "")

	// -------------------------------------------------------------------------
	// Storage Defaults (运行记录存储)
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", defaults.Storage.Path)
	v.SetDefault("storage.busy_timeout", defaults.Storage.BusyTimeout)
	v.SetDefault("storage.enable_wal", defaults.Storage.EnableWAL)
	v.SetDefault("storage.in_memory", defaults.Storage.InMemory)
	v.SetDefault("storage.max_open_conns", defaults.Storage.MaxOpenConns)
	v.SetDefault("storage.max_idle_conns", defaults.Storage.MaxIdleConns)
	v.SetDefault("storage.conn_max_lifetime", defaults.Storage.ConnMaxLifetime)
	v.SetDefault("storage.slow_threshold", defaults.Storage.SlowThreshold)

	// -------------------------------------------------------------------------
	// LLM Defaults (模型默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("llm.provider", defaults.LLM.Provider)
	v.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)
	v.SetDefault("llm.temperature", defaults.LLM.Temperature)
	v.SetDefault("llm.max_retries", defaults.LLM.MaxRetries)

	v.SetDefault("llm.ark.api_key", "")
	v.SetDefault("llm.ark.model_id", "")
	v.SetDefault("llm.ark.base_url", defaults.LLM.Ark.BaseURL)
	v.BindEnv("llm.ark.api_key", "ARK_API_KEY")
	v.BindEnv("llm.ark.model_id", "ARK_MODEL_ID")
	v.BindEnv("llm.ark.base_url", "ARK_BASE_URL")

	v.SetDefault("llm.anthropic.api_key", "")
	v.SetDefault("llm.anthropic.model", defaults.LLM.Anthropic.Model)
	v.SetDefault("llm.anthropic.base_url", "")
	v.BindEnv("llm.anthropic.api_key", "ANTHROPIC_API_KEY")

	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.model", defaults.LLM.OpenAI.Model)
	v.SetDefault("llm.openai.base_url", "")
	v.BindEnv("llm.openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("llm.openai.base_url", "OPENAI_BASE_URL")

	// -------------------------------------------------------------------------
	// Embedding / Retrieval Defaults (参考方案检索)
	// -------------------------------------------------------------------------
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", defaults.Embedding.Model)
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.cache_dir", defaults.Embedding.CacheDir)
	v.BindEnv("embedding.api_key", "OPENAI_API_KEY")

	v.SetDefault("retrieval.document", "")
	v.SetDefault("retrieval.chunk_size", defaults.Retrieval.ChunkSize)
	v.SetDefault("retrieval.chunk_overlap", defaults.Retrieval.ChunkOverlap)
	v.SetDefault("retrieval.top_k", defaults.Retrieval.TopK)
	v.SetDefault("retrieval.backend", defaults.Retrieval.Backend)
	v.SetDefault("retrieval.qdrant.url", "")
	v.SetDefault("retrieval.qdrant.api_key", "")
	v.SetDefault("retrieval.qdrant.collection", defaults.Retrieval.Qdrant.Collection)
	v.BindEnv("retrieval.qdrant.api_key", "QDRANT_API_KEY")

	// -------------------------------------------------------------------------
	// Agent Defaults (分析循环)
	// -------------------------------------------------------------------------
	v.SetDefault("agent.max_insights", defaults.Agent.MaxInsights)
	v.SetDefault("agent.max_plan_attempts", defaults.Agent.MaxPlanAttempts)
	v.SetDefault("agent.pacing_interval", defaults.Agent.PacingInterval)
	v.SetDefault("agent.query_timeout", defaults.Agent.QueryTimeout)
	v.SetDefault("agent.max_rows", defaults.Agent.MaxRows)
	v.SetDefault("agent.max_result_tokens", defaults.Agent.MaxResultTokens)
	v.SetDefault("agent.sample_rows", defaults.Agent.SampleRows)
	v.SetDefault("agent.run_timeout", defaults.Agent.RunTimeout)
	v.SetDefault("agent.max_open_conns", defaults.Agent.MaxOpenConns)
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Storage: storage.Config{
			Path:          "insightagent.db",
			BusyTimeout:   5 * time.Second,
			SlowThreshold: 200 * time.Millisecond,
		},
		LLM: LLMConfig{
			Provider:   ProviderArk,
			MaxTokens:  2048,
			MaxRetries: 3,
			Ark: ArkConfig{
				BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
			},
			Anthropic: AnthropicConfig{Model: "claude-sonnet-4-5"},
			OpenAI:    OpenAIConfig{Model: "gpt-4o-mini"},
		},
		Embedding: retrieval.DefaultEmbeddingConfig(),
		Retrieval: retrieval.DefaultConfig(),
		Agent:     agent.DefaultConfig(),
	}
}
