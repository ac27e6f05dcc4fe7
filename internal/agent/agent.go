package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrMissingTarget     = errors.New("connection target is required")
	ErrMissingDependency = errors.New("agent dependency is missing")
)

// StepError 标识导致运行中止的步骤
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Deps 是控制循环的外部协作者，由调用方构造后注入。
type Deps struct {
	Connector Connector
	Model     model.BaseChatModel
	Plans     PlanSource
	// 以下可选
	Recorder Recorder
	Observer Observer
	Pacer    Pacer
	Logger   *zap.Logger
}

// Agent 驱动 Init -> FetchSchema -> RetrievePlan -> {Plan -> Execute -> Summarize} -> Finalize。
type Agent struct {
	cfg         Config
	deps        Deps
	planner     *Planner
	summarizer  *Summarizer
	synthesizer *Synthesizer
	logger      *zap.Logger
}

func New(cfg Config, deps Deps) (*Agent, error) {
	// 1. 必需依赖
	switch {
	case deps.Connector == nil:
		return nil, fmt.Errorf("%w: connector", ErrMissingDependency)
	case deps.Model == nil:
		return nil, fmt.Errorf("%w: chat model", ErrMissingDependency)
	case deps.Plans == nil:
		return nil, fmt.Errorf("%w: plan source", ErrMissingDependency)
	}

	// 2. 可选依赖的默认值
	cfg = cfg.withDefaults()
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Pacer == nil {
		deps.Pacer = NewPacer(cfg.PacingInterval)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	// 规划器与总结器共用同一个 Pacer
	return &Agent{
		cfg:         cfg,
		deps:        deps,
		planner:     NewPlanner(deps.Model, deps.Pacer, cfg, deps.Logger.Named("planner")),
		summarizer:  NewSummarizer(deps.Model, deps.Pacer, cfg, deps.Logger.Named("summarizer")),
		synthesizer: NewSynthesizer(deps.Model, deps.Logger.Named("synthesizer")),
		logger:      deps.Logger,
	}, nil
}

// Run 对 target 执行一次完整分析，返回最终状态(含报告)。
// 序言失败与模型调用失败返回 *StepError；查询失败不会中止运行。
func (a *Agent) Run(ctx context.Context, target string) (AgentState, error) {
	// 1. 初始化运行
	runID := uuid.NewString()
	ctx = WithTraceID(ctx, runID)
	if a.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RunTimeout)
		defer cancel()
	}
	r := &run{agent: a, state: NewState(runID, target)}
	defer r.close()

	logger := a.logger.With(zap.String("run_id", runID))
	logger.Info("analysis started", zap.String("target", redactTarget(target)))
	if err := a.deps.Recorder.StartRun(ctx, r.state); err != nil {
		fmt.Printf("[WARN] Failed to record run start: %v\n", err)
	}

	// 2. 构建并执行 Graph
	final, err := r.invoke(ctx)

	// 3. 收尾：记录结果
	status := "completed"
	if err != nil {
		status = "failed"
		logger.Error("analysis failed", zap.Error(err))
	} else {
		logger.Info("analysis finished",
			zap.Int("queries", final.Queries()),
			zap.Int("failures", final.Failures()),
			zap.Int("insights", len(final.Insights)))
	}
	runsTotal.WithLabelValues(status).Inc()
	if recErr := a.deps.Recorder.FinishRun(context.WithoutCancel(ctx), final, err); recErr != nil {
		fmt.Printf("[WARN] Failed to record run result: %v\n", recErr)
	}
	return final, err
}

func (r *run) invoke(ctx context.Context) (AgentState, error) {
	runnable, err := r.buildGraph(ctx)
	if err != nil {
		return r.state, fmt.Errorf("build analysis graph failed: %w", err)
	}
	final, err := runnable.Invoke(ctx, r.state)
	if err != nil {
		// 节点内的失败优先返回 StepError，状态取最后一个成功节点的输出
		if r.err != nil {
			return r.state, r.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.state, ctxErr
		}
		return r.state, fmt.Errorf("run analysis graph failed: %w", err)
	}
	return final, nil
}
