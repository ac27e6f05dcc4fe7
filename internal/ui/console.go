package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wwwzy/InsightAgent/internal/agent"
)

// ConsoleUI 把进度逐行打印到终端
type ConsoleUI struct {
	Out io.Writer
}

func (c *ConsoleUI) Run(ctx context.Context, run Runner, opts Options) (agent.AgentState, error) {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Target != "" {
		fmt.Fprintf(out, "开始分析: %s\n", opts.Target)
	}

	p := &printer{out: out, opts: opts}
	state, err := run(ctx, agent.ObserverFunc(p.onEvent))
	if err != nil {
		fmt.Fprintf(out, "\n分析失败: %v\n", err)
		return state, err
	}
	fmt.Fprintf(out, "\n分析完成: 共 %d 条查询，%d 条失败，%d 条洞察\n",
		state.Queries(), state.Failures(), len(state.Insights))
	return state, nil
}

type printer struct {
	out  io.Writer
	opts Options
}

func (p *printer) onEvent(e agent.Event) {
	switch e.Kind {
	case agent.EventStep:
		if label := StepLabel(e.Step); label != "" {
			fmt.Fprintf(p.out, "==> %s...\n", label)
		}
	case agent.EventQuery:
		if e.Decision.IsStop() {
			fmt.Fprintf(p.out, "\n[第 %d 轮] 规划器结束分析\n", e.Round)
			return
		}
		fmt.Fprintf(p.out, "\n[第 %d 轮] 查询:\n%s\n", e.Round, indent(e.Decision.Query))
	case agent.EventOutcome:
		p.printOutcome(e)
	case agent.EventInsight:
		fmt.Fprintf(p.out, "  洞察: %s\n", strings.TrimSpace(e.Text))
	case agent.EventReport:
		fmt.Fprintf(p.out, "\n===== 分析报告 =====\n%s\n", strings.TrimSpace(e.Text))
	}
}

func (p *printer) printOutcome(e agent.Event) {
	o := e.Outcome
	switch {
	case o.IsSuccess():
		suffix := ""
		if o.Truncated {
			suffix = " (已截断)"
		}
		fmt.Fprintf(p.out, "  成功: 返回 %d 行%s\n", len(o.Rows), suffix)
		WriteRows(p.out, o.Columns, o.Rows, p.opts.PreviewRows)
	case o.IsFailure():
		fmt.Fprintf(p.out, "  失败: %s\n", o.Error)
	default:
		fmt.Fprintf(p.out, "  已结束: %s\n", o.Note)
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}
