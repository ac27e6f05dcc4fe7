package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wwwzy/InsightAgent/internal/storage"
	"go.uber.org/zap"
)

// run 保存一次运行的可变上下文：打开的 Session、最近一次节点输出、致命错误。
type run struct {
	agent   *Agent
	session Session
	state   AgentState
	err     *StepError
}

func (r *run) close() {
	if r.session == nil {
		return
	}
	if err := r.session.Close(); err != nil {
		r.agent.logger.Warn("close datastore session failed", zap.Error(err))
	}
}

// step 包装节点函数：
// 1. 在节点边界检查取消
// 2. 推送进度事件
// 3. 记录最近一次成功的状态，失败时包装为 StepError
func (r *run) step(name string, fn func(context.Context, AgentState) (AgentState, error)) func(context.Context, AgentState) (AgentState, error) {
	return func(ctx context.Context, state AgentState) (AgentState, error) {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		r.agent.deps.Observer.OnEvent(Event{Kind: EventStep, RunID: state.RunID, Step: name, Round: state.Round()})

		out, err := fn(ctx, state)
		if err != nil {
			r.err = &StepError{Step: name, Err: err}
			return state, r.err
		}
		r.state = out
		return out, nil
	}
}

// initNode 校验连接目标并打开 Session
func (r *run) initNode(ctx context.Context, state AgentState) (AgentState, error) {
	if strings.TrimSpace(state.ConnectionTarget) == "" {
		return state, ErrMissingTarget
	}
	session, err := r.agent.deps.Connector.Connect(ctx, state.ConnectionTarget)
	if err != nil {
		return state, fmt.Errorf("connect datastore failed: %w", err)
	}
	r.session = session
	return state, nil
}

func (r *run) fetchSchemaNode(ctx context.Context, state AgentState) (AgentState, error) {
	snap, err := r.session.Snapshot(ctx)
	if err != nil {
		return state, fmt.Errorf("fetch schema failed: %w", err)
	}
	state.Schema = snap
	r.agent.logger.Info("schema fetched", zap.String("run_id", state.RunID), zap.Strings("tables", snap.TableNames()))
	return state, nil
}

func (r *run) retrievePlanNode(ctx context.Context, state AgentState) (AgentState, error) {
	plan, err := r.agent.deps.Plans.ReferencePlan(ctx, state.Schema)
	if err != nil {
		return state, fmt.Errorf("retrieve reference plan failed: %w", err)
	}
	state.Domain = plan.Domain
	state.ReferencePlan = plan.Passages
	r.agent.logger.Info("reference plan ready",
		zap.String("run_id", state.RunID),
		zap.String("domain", plan.Domain),
		zap.Int("passages", len(plan.Passages)))
	return state, nil
}

func (r *run) planNode(ctx context.Context, state AgentState) (AgentState, error) {
	// 1. 规划器只读输入，历史由这里追加
	d, err := r.agent.planner.Plan(ctx, planInputFrom(state))
	if err != nil {
		return state, err
	}
	if err := state.AppendDecision(d); err != nil {
		return state, err
	}

	// 2. 记录与通知
	r.record(ctx, storage.RunStep{
		RunID: state.RunID,
		Round: state.Round(),
		Kind:  storage.StepPlan,
		Query: d.Text(),
	})
	r.agent.deps.Observer.OnEvent(Event{Kind: EventQuery, RunID: state.RunID, Round: state.Round(), Decision: d})
	return state, nil
}

// executeNode 执行本轮决策。执行失败是数据而不是错误，只有状态约束被破坏才返回 error。
func (r *run) executeNode(ctx context.Context, state AgentState) (AgentState, error) {
	d := state.QueryHistory[len(state.QueryHistory)-1]
	outcome := r.session.Execute(ctx, d.Text())
	if err := state.AppendOutcome(outcome); err != nil {
		return state, err
	}
	queriesTotal.WithLabelValues(string(outcome.Kind)).Inc()

	if outcome.IsFailure() {
		r.agent.logger.Warn("query failed",
			zap.String("run_id", state.RunID),
			zap.Int("round", state.Round()),
			zap.String("error", outcome.Error))
	}
	r.record(ctx, storage.RunStep{
		RunID:        state.RunID,
		Round:        state.Round(),
		Kind:         storage.StepExecute,
		Query:        d.Text(),
		OutcomeKind:  string(outcome.Kind),
		RowCount:     len(outcome.Rows),
		ErrorMessage: outcome.Error,
	})
	r.agent.deps.Observer.OnEvent(Event{Kind: EventOutcome, RunID: state.RunID, Round: state.Round(), Decision: d, Outcome: outcome})
	return state, nil
}

// summarizeNode 在 Terminated 后直接透传
func (r *run) summarizeNode(ctx context.Context, state AgentState) (AgentState, error) {
	if state.Terminated {
		return state, nil
	}
	outcome, ok := state.LastOutcome()
	if !ok {
		return state, fmt.Errorf("%w: nothing to summarize", ErrStateInvariant)
	}

	insight, err := r.agent.summarizer.Summarize(ctx, outcome)
	if err != nil {
		return state, err
	}
	if err := state.AppendInsight(insight); err != nil {
		return state, err
	}
	insightsGauge.Set(float64(len(state.Insights)))

	r.record(ctx, storage.RunStep{
		RunID:   state.RunID,
		Round:   state.Round(),
		Kind:    storage.StepSummarize,
		Content: insight,
	})
	r.agent.deps.Observer.OnEvent(Event{Kind: EventInsight, RunID: state.RunID, Round: state.Round(), Text: insight})
	return state, nil
}

func (r *run) finalizeNode(ctx context.Context, state AgentState) (AgentState, error) {
	report, err := r.agent.synthesizer.Synthesize(ctx, state.Domain, state.Insights)
	if err != nil {
		return state, err
	}
	if err := state.SetReport(report); err != nil {
		return state, err
	}
	r.agent.deps.Observer.OnEvent(Event{Kind: EventReport, RunID: state.RunID, Round: state.Round(), Text: report})
	return state, nil
}

func (r *run) record(ctx context.Context, step storage.RunStep) {
	if err := r.agent.deps.Recorder.RecordStep(ctx, step); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("[WARN] Failed to record %s step: %v\n", step.Kind, err)
	}
}
