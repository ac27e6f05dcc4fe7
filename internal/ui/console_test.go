package ui

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/InsightAgent/internal/agent"
	"github.com/wwwzy/InsightAgent/internal/datastore"
)

func TestConsoleUI_PrintsProgress(t *testing.T) {
	var out bytes.Buffer
	c := &ConsoleUI{Out: &out}

	run := func(ctx context.Context, obs agent.Observer) (agent.AgentState, error) {
		st := agent.NewState("run-1", "sqlite:///sales.db")
		obs.OnEvent(agent.Event{Kind: agent.EventStep, Step: agent.NodeInit})
		obs.OnEvent(agent.Event{Kind: agent.EventStep, Step: agent.NodePlan})

		q := agent.NextQuery("SELECT region, SUM(amount) AS total FROM sales GROUP BY region")
		require.NoError(t, st.AppendDecision(q))
		obs.OnEvent(agent.Event{Kind: agent.EventQuery, Round: 1, Decision: q})
		ok := datastore.Success(q.Query, []string{"region", "total"},
			[]datastore.Row{{"region": "north", "total": 290.0}, {"region": "south", "total": nil}})
		require.NoError(t, st.AppendOutcome(ok))
		obs.OnEvent(agent.Event{Kind: agent.EventOutcome, Round: 1, Decision: q, Outcome: ok})
		require.NoError(t, st.AppendInsight("North leads sales"))
		obs.OnEvent(agent.Event{Kind: agent.EventInsight, Round: 1, Text: "North leads sales"})

		bad := agent.NextQuery("SELECT * FROM nope")
		require.NoError(t, st.AppendDecision(bad))
		failed := datastore.Failure(bad.Query, "no such table: nope")
		require.NoError(t, st.AppendOutcome(failed))
		obs.OnEvent(agent.Event{Kind: agent.EventOutcome, Round: 2, Decision: bad, Outcome: failed})
		require.NoError(t, st.AppendInsight("The table does not exist"))

		require.NoError(t, st.AppendDecision(agent.Stop()))
		obs.OnEvent(agent.Event{Kind: agent.EventQuery, Round: 3, Decision: agent.Stop()})
		require.NoError(t, st.AppendOutcome(datastore.Skipped("analysis finished")))
		require.NoError(t, st.SetReport("Final report"))
		obs.OnEvent(agent.Event{Kind: agent.EventReport, Round: 3, Text: "Final report"})
		return st, nil
	}

	st, err := c.Run(context.Background(), run, Options{Target: "sqlite:///sales.db", PreviewRows: 5})
	require.NoError(t, err)
	assert.Equal(t, "Final report", st.Report)

	text := out.String()
	assert.Contains(t, text, "开始分析: sqlite:///sales.db")
	assert.Contains(t, text, "==> 连接数据源")
	assert.NotContains(t, text, "==> plan")
	assert.Contains(t, text, "[第 1 轮] 查询:\n    SELECT region")
	assert.Contains(t, text, "成功: 返回 2 行")
	assert.Contains(t, text, "north")
	assert.Contains(t, text, "NULL")
	assert.Contains(t, text, "失败: no such table: nope")
	assert.Contains(t, text, "洞察: North leads sales")
	assert.Contains(t, text, "[第 3 轮] 规划器结束分析")
	assert.Contains(t, text, "===== 分析报告 =====\nFinal report")
	assert.Contains(t, text, "共 2 条查询，1 条失败，2 条洞察")
}

func TestConsoleUI_ReportsError(t *testing.T) {
	var out bytes.Buffer
	c := &ConsoleUI{Out: &out}
	boom := errors.New("boom")

	_, err := c.Run(context.Background(), func(context.Context, agent.Observer) (agent.AgentState, error) {
		return agent.AgentState{}, boom
	}, DefaultOptions())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, out.String(), "分析失败: boom")
}

func TestWriteRows_Limit(t *testing.T) {
	var out bytes.Buffer
	rows := []datastore.Row{{"n": 1}, {"n": 2}, {"n": 3}}

	WriteRows(&out, []string{"n"}, rows, 2)
	assert.Contains(t, out.String(), "共 3 行，仅显示前 2 行")

	out.Reset()
	WriteRows(&out, []string{"n"}, rows, 0)
	assert.Empty(t, out.String())
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "NULL", FormatValue(nil))
	assert.Equal(t, "42", FormatValue(42))
	long := FormatValue("abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz")
	assert.Len(t, []rune(long), 40)
}
