package agent

import (
	"context"
)

type traceIDKey struct{}

type stageKey struct{}

const (
	StagePlan       = "plan"
	StageSummarize  = "summarize"
	StageSynthesize = "synthesize"
	StageClassify   = "classify"
)

// WithTraceID 将 TraceID(即 RunID) 注入 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID 从 context 获取 TraceID
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStage 标记当前模型调用所属的阶段，审计与指标按阶段区分。
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// GetStage 未设置时返回 classify：序言阶段的领域分类不经过 agent 的节点代码。
func GetStage(ctx context.Context) string {
	if v, ok := ctx.Value(stageKey{}).(string); ok && v != "" {
		return v
	}
	return StageClassify
}
