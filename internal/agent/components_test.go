package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/InsightAgent/internal/datastore"
)

func TestSummarizer_SuccessAndFailurePrompts(t *testing.T) {
	cm := newScriptedModel()
	s := NewSummarizer(cm, nil, DefaultConfig(), nil)
	ctx := context.Background()

	ok := datastore.Success("SELECT region, SUM(amount) FROM sales GROUP BY region",
		[]string{"region", "total"},
		[]datastore.Row{{"region": "north", "total": 290.0}, {"region": "south", "total": 200.0}})
	insight, err := s.Summarize(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, "insight 1", insight)
	user := cm.lastUserMessage(StageSummarize)
	assert.Contains(t, user, "north")
	assert.Contains(t, user, "(2 rows)")

	failed := datastore.Failure("SELECT * FROM nope", "no such table: nope")
	_, err = s.Summarize(ctx, failed)
	require.NoError(t, err)
	cm.mu.Lock()
	last := cm.inputs[StageSummarize][1]
	cm.mu.Unlock()
	assert.Equal(t, FailureSystemPrompt, last[0].Content)
	assert.Contains(t, last[1].Content, "no such table: nope")
}

func TestSummarizer_SkippedOutcome(t *testing.T) {
	cm := newScriptedModel()
	s := NewSummarizer(cm, nil, DefaultConfig(), nil)

	_, err := s.Summarize(context.Background(), datastore.Skipped("finished"))
	assert.ErrorIs(t, err, ErrSkippedOutcome)
	assert.Zero(t, cm.calls[StageSummarize])
}

func TestSummarizer_TrimsLargeResults(t *testing.T) {
	rows := make([]datastore.Row, 2000)
	for i := range rows {
		rows[i] = datastore.Row{"id": i, "label": fmt.Sprintf("customer segment number %d", i)}
	}
	cfg := DefaultConfig()
	cfg.MaxResultTokens = 200
	cm := newScriptedModel()
	s := NewSummarizer(cm, nil, cfg, nil)

	_, err := s.Summarize(context.Background(), datastore.Success("SELECT * FROM customers", []string{"id", "label"}, rows))
	require.NoError(t, err)
	user := cm.lastUserMessage(StageSummarize)
	assert.Contains(t, user, "of 2000 rows)")
	assert.Less(t, len(user), 4000)
}

func TestFitRows(t *testing.T) {
	out, n := fitRows([]datastore.Row{}, 10)
	assert.Equal(t, "[]", out)
	assert.Zero(t, n)

	rows := []datastore.Row{{"a": 1}, {"a": 2}}
	out, n = fitRows(rows, 1000)
	assert.Equal(t, 2, n)
	assert.Equal(t, `[{"a":1},{"a":2}]`, out)
}

func TestSynthesizer_NotVerbatim(t *testing.T) {
	insights := []string{"Sales grew 20% in 2021", "Category A leads revenue"}

	cm := newScriptedModel()
	cm.reports = []string{strings.Join(insights, "\n"), synthesizedReport}
	s := NewSynthesizer(cm, nil)

	report, err := s.Synthesize(context.Background(), "sales", insights)
	require.NoError(t, err)
	assert.Equal(t, synthesizedReport, report)
	assert.False(t, IsVerbatimConcatenation(report, insights))
	assert.Equal(t, 2, cm.calls[StageSynthesize])
}

func TestSynthesizer_GivesUpOnVerbatim(t *testing.T) {
	insights := []string{"Sales grew 20% in 2021", "Category A leads revenue"}
	verbatim := "- Sales grew 20% in 2021\n- Category A leads revenue"

	cm := newScriptedModel()
	cm.reports = []string{verbatim, verbatim}
	s := NewSynthesizer(cm, nil)

	_, err := s.Synthesize(context.Background(), "sales", insights)
	assert.ErrorIs(t, err, ErrVerbatimReport)
}

func TestSynthesizer_NoInsights(t *testing.T) {
	cm := newScriptedModel()
	s := NewSynthesizer(cm, nil)

	report, err := s.Synthesize(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, NoFindingsReport, report)
	assert.Zero(t, cm.calls[StageSynthesize])
}

func TestIsVerbatimConcatenation(t *testing.T) {
	insights := []string{"Sales grew 20% in 2021", "Category A leads revenue"}

	assert.True(t, IsVerbatimConcatenation("Sales grew 20% in 2021 Category A leads revenue", insights))
	assert.True(t, IsVerbatimConcatenation("1. Sales grew 20% in 2021.\n2. Category A leads revenue.", insights))
	assert.False(t, IsVerbatimConcatenation(synthesizedReport, insights))
	// 引用洞察但有大量综合内容时不算拼接
	quoted := "Sales grew 20% in 2021 and Category A leads revenue. Together these show that growth is driven by a single " +
		"product line, which concentrates risk; diversifying the portfolio and protecting category A margins should be the top priorities."
	assert.False(t, IsVerbatimConcatenation(quoted, insights))
}

func TestPacer(t *testing.T) {
	ctx := context.Background()

	assert.IsType(t, noPacer{}, NewPacer(0))
	require.NoError(t, NewPacer(-time.Second).Wait(ctx))

	p := NewPacer(60 * time.Millisecond)
	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, NewPacer(time.Hour).Wait(cancelled))
	assert.Error(t, NewPacer(0).Wait(cancelled))
}

func TestAgentState_Invariants(t *testing.T) {
	st := NewState("run", "sqlite:///x.db")

	// 结果必须对应一个待执行的决策
	assert.ErrorIs(t, st.AppendOutcome(datastore.Failure("q", "e")), ErrStateInvariant)
	assert.ErrorIs(t, st.AppendInsight("x"), ErrStateInvariant)

	require.NoError(t, st.AppendDecision(NextQuery("SELECT 1")))
	assert.ErrorIs(t, st.AppendDecision(NextQuery("SELECT 2")), ErrStateInvariant)
	assert.ErrorIs(t, st.AppendOutcome(datastore.Skipped("no")), ErrStateInvariant)
	require.NoError(t, st.AppendOutcome(datastore.Success("SELECT 1", nil, nil)))
	require.NoError(t, st.AppendInsight("one"))
	assert.ErrorIs(t, st.AppendInsight("two"), ErrStateInvariant)
	assert.ErrorIs(t, st.SetReport("r"), ErrStateInvariant)

	require.NoError(t, st.AppendDecision(Stop()))
	assert.ErrorIs(t, st.AppendOutcome(datastore.Failure("DONE", "x")), ErrStateInvariant)
	require.NoError(t, st.AppendOutcome(datastore.Skipped("finished")))
	assert.True(t, st.Terminated)

	// Stop 之后不能再追加
	assert.ErrorIs(t, st.AppendDecision(NextQuery("SELECT 3")), ErrStateInvariant)
	assert.ErrorIs(t, st.AppendInsight("late"), ErrStateInvariant)

	require.NoError(t, st.SetReport("report"))
	assert.ErrorIs(t, st.SetReport("again"), ErrStateInvariant)

	assert.Equal(t, 1, st.Queries())
	assert.Equal(t, 0, st.Failures())
	assert.Len(t, st.QueryHistory, len(st.Outcomes))
}

func TestDecisionText(t *testing.T) {
	assert.Equal(t, "SELECT 1", NextQuery("SELECT 1").Text())
	assert.Equal(t, datastore.StopSentinel, Stop().Text())
	assert.True(t, datastore.IsStopSentinel(Stop().Text()))
}

func TestContextStage(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StageClassify, GetStage(ctx))
	assert.Equal(t, StagePlan, GetStage(WithStage(ctx, StagePlan)))
	assert.Equal(t, "run-1", GetTraceID(WithTraceID(ctx, "run-1")))
	assert.Empty(t, GetTraceID(ctx))
}
