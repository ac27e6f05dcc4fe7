package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
)

const (
	NodeInit         = "init"
	NodeFetchSchema  = "fetch_schema"
	NodeRetrievePlan = "retrieve_plan"
	NodePlan         = "plan"
	NodeExecute      = "execute"
	NodeSummarize    = "summarize"
	NodeFinalize     = "finalize"
)

// maxRunSteps 为 Graph 的步数熔断：序言 3 步，最多 MaxInsights+1 轮(最后一轮为 Stop)，
// 每轮 3 步，再加 Finalize 与少量余量。
func maxRunSteps(cfg Config) int {
	return 3 + 3*(cfg.MaxInsights+1) + 1 + 4
}

// buildGraph 构建一次运行的处理流程图，节点通过闭包共享本次运行的 Session
func (r *run) buildGraph(ctx context.Context) (compose.Runnable[AgentState, AgentState], error) {
	// 初始化 Graph，输入输出都是 AgentState
	g := compose.NewGraph[AgentState, AgentState]()

	// 1. 添加节点
	nodes := []struct {
		name string
		fn   func(context.Context, AgentState) (AgentState, error)
	}{
		{NodeInit, r.initNode},
		{NodeFetchSchema, r.fetchSchemaNode},
		{NodeRetrievePlan, r.retrievePlanNode},
		{NodePlan, r.planNode},
		{NodeExecute, r.executeNode},
		{NodeSummarize, r.summarizeNode},
		{NodeFinalize, r.finalizeNode},
	}
	for _, n := range nodes {
		if err := g.AddLambdaNode(n.name, compose.InvokableLambda(r.step(n.name, n.fn))); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.name, err)
		}
	}

	// 2. 添加边 (Edges)
	// START -> Init -> FetchSchema -> RetrievePlan -> Plan -> Execute -> Summarize
	edges := [][2]string{
		{compose.START, NodeInit},
		{NodeInit, NodeFetchSchema},
		{NodeFetchSchema, NodeRetrievePlan},
		{NodeRetrievePlan, NodePlan},
		{NodePlan, NodeExecute},
		{NodeExecute, NodeSummarize},
		{NodeFinalize, compose.END},
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, fmt.Errorf("add edge %s -> %s: %w", e[0], e[1], err)
		}
	}

	// 3. 添加分支 (Branches)
	// Summarize -> Plan OR Finalize，只看 Terminated
	err := g.AddBranch(NodeSummarize, compose.NewGraphBranch(func(ctx context.Context, state AgentState) (string, error) {
		if state.Terminated {
			return NodeFinalize, nil
		}
		return NodePlan, nil
	}, map[string]bool{
		NodePlan:     true,
		NodeFinalize: true,
	}))
	if err != nil {
		return nil, fmt.Errorf("add summarize branch: %w", err)
	}

	// 4. 编译 Graph
	return g.Compile(ctx, compose.WithMaxRunSteps(maxRunSteps(r.agent.cfg)))
}
