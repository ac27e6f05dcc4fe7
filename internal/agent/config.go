package agent

import "time"

// Config 控制分析循环的预算、节奏与结果裁剪。
type Config struct {
	// MaxInsights 为规划器允许累积的洞察上限，达到后规划器返回 Stop。
	MaxInsights int `mapstructure:"max_insights" validate:"gt=0"`
	// MaxPlanAttempts 为规划输出不合规时的最大请求次数(含首次)。
	MaxPlanAttempts int `mapstructure:"max_plan_attempts" validate:"gt=0"`
	// PacingInterval 为规划/总结两次模型调用之间的最小间隔，0 表示不限速。
	PacingInterval time.Duration `mapstructure:"pacing_interval" validate:"gte=0"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout" validate:"gte=0"`
	// MaxRows 为单条查询保留的行数上限，0 表示全部保留。
	MaxRows int `mapstructure:"max_rows" validate:"gte=0"`
	// MaxResultTokens 为交给总结器的查询结果 token 预算。
	MaxResultTokens int           `mapstructure:"max_result_tokens" validate:"gt=0"`
	SampleRows      int           `mapstructure:"sample_rows" validate:"gte=0"`
	RunTimeout      time.Duration `mapstructure:"run_timeout" validate:"gte=0"`
	// MaxOpenConns 为目标数据库连接池上限，0 表示不限制。
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxInsights:     15,
		MaxPlanAttempts: 3,
		PacingInterval:  14 * time.Second,
		QueryTimeout:    30 * time.Second,
		MaxRows:         0,
		MaxResultTokens: 6000,
		SampleRows:      5,
		RunTimeout:      0,
		MaxOpenConns:    4,
	}
}

// withDefaults 把非法的零值替换为默认值，便于测试直接构造 Config{}。
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxInsights <= 0 {
		c.MaxInsights = d.MaxInsights
	}
	if c.MaxPlanAttempts <= 0 {
		c.MaxPlanAttempts = d.MaxPlanAttempts
	}
	if c.MaxResultTokens <= 0 {
		c.MaxResultTokens = d.MaxResultTokens
	}
	if c.PacingInterval < 0 {
		c.PacingInterval = 0
	}
	return c
}
