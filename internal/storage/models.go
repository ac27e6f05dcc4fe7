package storage

import "time"

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// AnalysisRun 记录一次完整的分析运行（一次 analyze 命令）。
type AnalysisRun struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// RunID 为运行的 UUID，对外展示与跨表关联都使用它。
	RunID string `gorm:"size:64;not null;uniqueIndex"`
	// Target 为脱敏后的连接目标（不含密码）。
	Target string `gorm:"size:512;not null"`
	// Domain 为分类得到的业务领域标签。
	Domain string `gorm:"size:128"`
	// Status 为 running/completed/failed。
	Status string `gorm:"size:32;not null;index"`
	// Queries/Failures/Insights 为运行结束时的计数，便于列表展示。
	Queries  int `gorm:"not null;default:0"`
	Failures int `gorm:"not null;default:0"`
	Insights int `gorm:"not null;default:0"`
	// Report 为最终综合报告（Markdown 文本）。
	Report string `gorm:"type:text"`
	// ErrorMessage 为致命错误信息（Status=failed 时）。
	ErrorMessage string `gorm:"type:text"`
	StartedAt    time.Time `gorm:"not null;index"`
	FinishedAt   time.Time
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

const (
	StepPlan      = "plan"
	StepExecute   = "execute"
	StepSummarize = "summarize"
)

// RunStep 记录循环中的一步：规划出的查询、执行结果或生成的洞察。
// 同一轮的 plan/execute/summarize 共享 Round。
type RunStep struct {
	ID    uint64 `gorm:"primaryKey"`
	RunID string `gorm:"size:64;not null;index:idx_run_steps_run_round,priority:1"`
	Round int    `gorm:"not null;index:idx_run_steps_run_round,priority:2"`
	// Kind 为 plan/execute/summarize。
	Kind string `gorm:"size:16;not null"`
	// Query 为本轮查询文本（Stop 时为 DONE）。
	Query string `gorm:"type:text"`
	// OutcomeKind 为 success/failure/skipped，仅 execute 步骤填写。
	OutcomeKind string `gorm:"size:16"`
	RowCount    int
	// Content 为 summarize 步骤生成的洞察。
	Content      string `gorm:"type:text"`
	ErrorMessage string `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

// AuditRecord 记录一次模型调用及其结果，用于审计、追溯与耗时分析。
//
// 每条记录对应一次 LLM 请求（分类/规划/总结/综合），复杂入参/输出统一以截断后的文本存放。
type AuditRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// TraceID 为所属运行的 RunID，便于按运行聚合审计。
	TraceID string `gorm:"size:64;index"`
	// Action 表示调用阶段，例如 llm.plan / llm.summarize。
	Action string `gorm:"size:128;not null;index"`
	// ParamsJSON 存放请求消息（JSON 字符串，已截断）。
	ParamsJSON string `gorm:"type:text"`
	// ResultJSON 存放模型回复（已截断）。
	ResultJSON string `gorm:"type:text"`
	// Status 表示执行状态（running/success/failed）。
	Status string `gorm:"size:32;not null;index"`
	// ErrorMessage 存放失败时的错误信息（可选，便于检索）。
	ErrorMessage string `gorm:"type:text"`
	// StartedAt/FinishedAt 表示调用起止时间，耗时为 FinishedAt-StartedAt。
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time `gorm:"index"`
	// CreatedAt 为记录写入数据库的时间（与 StartedAt 含义不同），默认自动填充。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"`
}
