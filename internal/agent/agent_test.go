package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/InsightAgent/internal/datastore"
	"github.com/wwwzy/InsightAgent/internal/retrieval"
	"github.com/wwwzy/InsightAgent/internal/storage"
)

const salesSchema = `
CREATE TABLE sales (
	id INTEGER PRIMARY KEY,
	region TEXT NOT NULL,
	category TEXT NOT NULL,
	year INTEGER NOT NULL,
	amount REAL NOT NULL
);
INSERT INTO sales (region, category, year, amount) VALUES
	('north', 'A', 2020, 100), ('north', 'B', 2020, 40),
	('south', 'A', 2021, 120), ('south', 'B', 2021, 80),
	('north', 'A', 2021, 150);
`

const synthesizedReport = "# Executive Report\n\nRevenue growth is concentrated in category A, and the north region drives most of it."

// scriptedModel 按调用阶段(ctx 中的 stage)返回预置回复，并记录每个阶段收到的消息。
type scriptedModel struct {
	mu      sync.Mutex
	plans   []string
	reports []string
	failAt  string
	calls   map[string]int
	inputs  map[string][][]*schema.Message
}

func newScriptedModel(plans ...string) *scriptedModel {
	return &scriptedModel{
		plans:  plans,
		calls:  map[string]int{},
		inputs: map[string][][]*schema.Message{},
	}
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stage := GetStage(ctx)
	m.calls[stage]++
	m.inputs[stage] = append(m.inputs[stage], input)
	if stage == m.failAt {
		return nil, errors.New("model unavailable")
	}

	switch stage {
	case StagePlan:
		if len(m.plans) == 0 {
			return schema.AssistantMessage("DONE", nil), nil
		}
		reply := m.plans[0]
		m.plans = m.plans[1:]
		return schema.AssistantMessage(reply, nil), nil
	case StageSummarize:
		return schema.AssistantMessage(fmt.Sprintf("insight %d", m.calls[stage]), nil), nil
	case StageSynthesize:
		if len(m.reports) == 0 {
			return schema.AssistantMessage(synthesizedReport, nil), nil
		}
		reply := m.reports[0]
		m.reports = m.reports[1:]
		return schema.AssistantMessage(reply, nil), nil
	}
	return nil, fmt.Errorf("unexpected stage %q", stage)
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *scriptedModel) lastUserMessage(stage string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := m.inputs[stage]
	if len(in) == 0 {
		return ""
	}
	msgs := in[len(in)-1]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == schema.User {
			return msgs[i].Content
		}
	}
	return ""
}

func createSalesTarget(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sales.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(salesSchema)
	require.NoError(t, err)
	return "sqlite:///" + path
}

func staticPlans(domain string, passages ...string) PlanSource {
	return PlanSourceFunc(func(ctx context.Context, snap datastore.Snapshot) (retrieval.Plan, error) {
		return retrieval.Plan{Domain: domain, Passages: passages}, nil
	})
}

func newTestAgent(t *testing.T, cfg Config, cm model.BaseChatModel, extra func(*Deps)) *Agent {
	t.Helper()

	deps := Deps{
		Connector: DatastoreConnector(datastore.NewConnector(datastore.Options{SampleRows: 2})),
		Model:     cm,
		Plans:     staticPlans("sales", "Compare revenue by region and year."),
		Pacer:     NewPacer(0),
	}
	if extra != nil {
		extra(&deps)
	}
	a, err := New(cfg, deps)
	require.NoError(t, err)
	return a
}

func TestRun_PlanExecuteSummarizeLoop(t *testing.T) {
	cm := newScriptedModel(
		"SELECT region, year, SUM(amount) AS revenue FROM sales GROUP BY region, year",
		"SELECT * FROM missing_table",
		"SELECT category, year, SUM(amount) AS revenue FROM sales GROUP BY category, year",
		"DONE",
	)
	a := newTestAgent(t, DefaultConfig(), cm, nil)

	st, err := a.Run(context.Background(), createSalesTarget(t))
	require.NoError(t, err)

	// 决策与结果一一对应
	require.Len(t, st.QueryHistory, 4)
	require.Len(t, st.Outcomes, 4)
	assert.True(t, st.QueryHistory[3].IsStop())
	for i, d := range st.QueryHistory[:3] {
		assert.Equal(t, d.Query, st.Outcomes[i].Query, "outcome %d pairs with decision %d", i, i)
	}

	assert.Equal(t, datastore.OutcomeSuccess, st.Outcomes[0].Kind)
	assert.Len(t, st.Outcomes[0].Rows, 3)
	// 查询失败不会中止循环
	assert.Equal(t, datastore.OutcomeFailure, st.Outcomes[1].Kind)
	assert.Contains(t, st.Outcomes[1].Error, "missing_table")
	assert.Equal(t, datastore.OutcomeSuccess, st.Outcomes[2].Kind)
	assert.Equal(t, datastore.OutcomeSkipped, st.Outcomes[3].Kind)

	// Stop 之后不再总结
	assert.Equal(t, []string{"insight 1", "insight 2", "insight 3"}, st.Insights)
	assert.True(t, st.Terminated)
	assert.Equal(t, synthesizedReport, st.Report)
	assert.Equal(t, "sales", st.Domain)
	assert.NotEmpty(t, st.RunID)
	assert.Contains(t, st.Schema.TableNames(), "sales")

	assert.Equal(t, 4, cm.calls[StagePlan])
	assert.Equal(t, 3, cm.calls[StageSummarize])
	assert.Equal(t, 1, cm.calls[StageSynthesize])
	assert.Equal(t, 2, st.Queries()-st.Failures())
}

// countingPacer 记录等待次数。
type countingPacer struct {
	mu    sync.Mutex
	waits int
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	return ctx.Err()
}

func TestRun_PacesEveryPlanAndSummarizeCall(t *testing.T) {
	cm := newScriptedModel(
		"DONE",
		"SELECT region, SUM(amount) FROM sales GROUP BY region",
		"Let me look at the categories next.",
		"SELECT category, SUM(amount) FROM sales GROUP BY category",
		"DONE",
	)
	pacer := &countingPacer{}
	a := newTestAgent(t, DefaultConfig(), cm, func(d *Deps) { d.Pacer = pacer })

	st, err := a.Run(context.Background(), createSalesTarget(t))
	require.NoError(t, err)
	assert.Len(t, st.Insights, 2)

	// 过早的 DONE 与无法解析的回复都会触发重新请求，每次请求前都要等待
	assert.Equal(t, 5, cm.calls[StagePlan])
	assert.Equal(t, 2, cm.calls[StageSummarize])
	assert.Equal(t, cm.calls[StagePlan]+cm.calls[StageSummarize], pacer.waits)
}

func TestRun_FailureIsFedBackToPlanner(t *testing.T) {
	cm := newScriptedModel(
		"SELECT * FROM sales GROUP BY",
		"SELECT region, category, SUM(amount) FROM sales GROUP BY region, category",
		"DONE",
	)
	a := newTestAgent(t, DefaultConfig(), cm, nil)

	st, err := a.Run(context.Background(), createSalesTarget(t))
	require.NoError(t, err)
	require.Len(t, st.Outcomes, 3)
	assert.True(t, st.Outcomes[0].IsFailure())
	assert.NotEmpty(t, st.Outcomes[0].Error)
	assert.True(t, st.Outcomes[1].IsSuccess())

	// 第二次规划时，用户消息中带有上次失败的查询与错误
	cm.mu.Lock()
	second := cm.inputs[StagePlan][1]
	cm.mu.Unlock()
	user := second[len(second)-1].Content
	assert.Contains(t, user, "The last query failed")
	assert.Contains(t, user, "SELECT * FROM sales GROUP BY")
}

func TestRun_InsightCeilingStopsPlanning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInsights = 2
	cm := newScriptedModel(
		"SELECT region FROM sales GROUP BY region",
		"SELECT year FROM sales GROUP BY year",
		"SELECT category FROM sales GROUP BY category",
	)
	a := newTestAgent(t, cfg, cm, nil)

	st, err := a.Run(context.Background(), createSalesTarget(t))
	require.NoError(t, err)

	// 达到上限后规划器直接返回 Stop，不再调用模型
	assert.Equal(t, 2, cm.calls[StagePlan])
	require.Len(t, st.QueryHistory, 3)
	assert.True(t, st.QueryHistory[2].IsStop())
	assert.Len(t, st.Insights, 2)
	assert.True(t, st.Terminated)
	assert.NotEmpty(t, st.Report)
}

func TestRun_MissingTarget(t *testing.T) {
	cm := newScriptedModel()
	a := newTestAgent(t, DefaultConfig(), cm, nil)

	_, err := a.Run(context.Background(), "  ")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingTarget)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, NodeInit, stepErr.Step)
	assert.Zero(t, cm.calls[StagePlan])
}

func TestRun_ConnectFailureIsFatal(t *testing.T) {
	cm := newScriptedModel()
	a := newTestAgent(t, DefaultConfig(), cm, nil)

	_, err := a.Run(context.Background(), "sqlite:///"+filepath.Join(t.TempDir(), "absent.db"))
	require.Error(t, err)
	assert.ErrorIs(t, err, datastore.ErrDatabaseNotFound)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, NodeInit, stepErr.Step)
}

func TestRun_ReferencePlanFailureIsFatal(t *testing.T) {
	cm := newScriptedModel("SELECT 1")
	boom := errors.New("index offline")
	a := newTestAgent(t, DefaultConfig(), cm, func(d *Deps) {
		d.Plans = PlanSourceFunc(func(context.Context, datastore.Snapshot) (retrieval.Plan, error) {
			return retrieval.Plan{}, boom
		})
	})

	st, err := a.Run(context.Background(), createSalesTarget(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, NodeRetrievePlan, stepErr.Step)
	// 序言已完成的部分保留在返回的状态中
	assert.Contains(t, st.Schema.TableNames(), "sales")
	assert.Empty(t, st.QueryHistory)
	assert.Zero(t, cm.calls[StagePlan])
}

func TestRun_ModelFailureAbortsRun(t *testing.T) {
	cm := newScriptedModel("SELECT region FROM sales")
	cm.failAt = StageSummarize
	a := newTestAgent(t, DefaultConfig(), cm, nil)

	st, err := a.Run(context.Background(), createSalesTarget(t))
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, NodeSummarize, stepErr.Step)
	assert.Len(t, st.Outcomes, 1)
	assert.Empty(t, st.Report)
}

func TestRun_CancelledContext(t *testing.T) {
	cm := newScriptedModel("SELECT 1")
	a := newTestAgent(t, DefaultConfig(), cm, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Run(ctx, createSalesTarget(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cm.calls[StagePlan])
}

func TestRun_ObserverEventsInOrder(t *testing.T) {
	cm := newScriptedModel("SELECT region, SUM(amount) FROM sales GROUP BY region", "DONE")

	var mu sync.Mutex
	var kinds []EventKind
	var steps []string
	a := newTestAgent(t, DefaultConfig(), cm, func(d *Deps) {
		d.Observer = ObserverFunc(func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			if e.Kind == EventStep {
				steps = append(steps, e.Step)
				return
			}
			kinds = append(kinds, e.Kind)
		})
	})

	_, err := a.Run(context.Background(), createSalesTarget(t))
	require.NoError(t, err)

	assert.Equal(t, []string{
		NodeInit, NodeFetchSchema, NodeRetrievePlan,
		NodePlan, NodeExecute, NodeSummarize,
		NodePlan, NodeExecute, NodeSummarize,
		NodeFinalize,
	}, steps)
	assert.Equal(t, []EventKind{
		EventQuery, EventOutcome, EventInsight,
		EventQuery, EventOutcome,
		EventReport,
	}, kinds)
}

func TestRun_RecordsHistoryAndAudit(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "runs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cm := newScriptedModel("SELECT region, SUM(amount) FROM sales GROUP BY region", "SELECT * FROM nope", "DONE")
	a := newTestAgent(t, DefaultConfig(), WrapWithAudit(cm, store), func(d *Deps) {
		d.Recorder = NewStoreRecorder(store)
	})

	st, err := a.Run(ctx, createSalesTarget(t))
	require.NoError(t, err)

	run, err := store.GetRun(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStatusCompleted, run.Status)
	assert.Equal(t, "sales", run.Domain)
	assert.Equal(t, 2, run.Queries)
	assert.Equal(t, 1, run.Failures)
	assert.Equal(t, 2, run.Insights)
	assert.Equal(t, synthesizedReport, run.Report)

	steps, err := store.ListRunSteps(ctx, st.RunID)
	require.NoError(t, err)
	// 两轮完整的 plan/execute/summarize + Stop 轮的 plan/execute
	require.Len(t, steps, 8)
	assert.Equal(t, storage.StepPlan, steps[0].Kind)
	assert.Equal(t, "failure", steps[4].OutcomeKind)
	assert.Equal(t, "DONE", steps[6].Query)
	assert.Equal(t, "skipped", steps[7].OutcomeKind)

	audits, err := store.QueryAuditRecords(ctx, storage.AuditQuery{TraceID: st.RunID})
	require.NoError(t, err)
	actions := map[string]int{}
	for _, rec := range audits {
		actions[rec.Action]++
		assert.Equal(t, "success", rec.Status)
		assert.False(t, rec.FinishedAt.IsZero())
	}
	assert.Equal(t, map[string]int{"llm.plan": 3, "llm.summarize": 2, "llm.synthesize": 1}, actions)
}

func TestRun_RecordsFailedRun(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "runs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	a := newTestAgent(t, DefaultConfig(), newScriptedModel(), func(d *Deps) {
		d.Recorder = NewStoreRecorder(store)
	})
	_, err = a.Run(ctx, "")
	require.Error(t, err)

	runs, err := store.ListRuns(ctx, storage.RunQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.RunStatusFailed, runs[0].Status)
	assert.True(t, strings.Contains(runs[0].ErrorMessage, "init step failed"))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(DefaultConfig(), Deps{
		Connector: DatastoreConnector(datastore.NewConnector(datastore.Options{})),
		Model:     newScriptedModel(),
	})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestMaxRunStepsCoversCeiling(t *testing.T) {
	cfg := DefaultConfig()
	// 序言 + 每条洞察一轮 + Stop 轮 + Finalize
	needed := 3 + 3*cfg.MaxInsights + 3 + 1
	assert.GreaterOrEqual(t, maxRunSteps(cfg), needed)
}
