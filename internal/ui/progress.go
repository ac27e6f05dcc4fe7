package ui

import (
	"context"

	"github.com/wwwzy/InsightAgent/internal/agent"
)

// Runner 启动一次分析运行，进度事件推送给 obs。
type Runner func(ctx context.Context, obs agent.Observer) (agent.AgentState, error)

// ProgressUI 展示一次运行的进度并返回最终状态。
type ProgressUI interface {
	Run(ctx context.Context, run Runner, opts Options) (agent.AgentState, error)
}

type Options struct {
	// Target 仅用于展示，应传入脱敏后的连接目标
	Target string
	// PreviewRows 为每次成功查询展示的结果行数，0 表示不展示
	PreviewRows int
}

func DefaultOptions() Options {
	return Options{PreviewRows: 5}
}

var stepLabels = map[string]string{
	agent.NodeInit:         "连接数据源",
	agent.NodeFetchSchema:  "读取表结构",
	agent.NodeRetrievePlan: "检索参考分析方案",
	agent.NodeFinalize:     "生成最终报告",
}

// StepLabel 返回序言与收尾节点的展示名，循环内节点返回空串。
func StepLabel(step string) string {
	return stepLabels[step]
}
