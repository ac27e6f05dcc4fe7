package agent

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/InsightAgent/internal/datastore"
)

var plannerSnapshot = datastore.Snapshot{
	Dialect: datastore.DialectSQLite,
	Tables: []datastore.Table{{
		Name:    "sales",
		Columns: []datastore.Column{{Name: "region", Type: "TEXT"}, {Name: "amount", Type: "REAL"}},
	}},
}

func TestPlanner_FirstCycleProducesQuery(t *testing.T) {
	cm := newScriptedModel("SELECT region, SUM(amount) FROM sales GROUP BY region")
	p := NewPlanner(cm, nil, DefaultConfig(), nil)

	d, err := p.Plan(context.Background(), PlanInput{Schema: plannerSnapshot, ReferencePlan: []string{"look at regions"}})
	require.NoError(t, err)
	assert.False(t, d.IsStop())
	assert.NotEmpty(t, d.Query)

	user := cm.lastUserMessage(StagePlan)
	assert.Contains(t, user, `"sales"`)
	assert.Contains(t, user, "look at regions")
	assert.Contains(t, user, "(none)")
}

func TestPlanner_RejectsStopBeforeFirstQuery(t *testing.T) {
	cm := newScriptedModel("DONE", "SELECT region FROM sales GROUP BY region")
	p := NewPlanner(cm, nil, DefaultConfig(), nil)

	d, err := p.Plan(context.Background(), PlanInput{Schema: plannerSnapshot})
	require.NoError(t, err)
	assert.Equal(t, NextQuery("SELECT region FROM sales GROUP BY region"), d)
	assert.Equal(t, 2, cm.calls[StagePlan])

	// 纠正消息跟在被拒绝的回复之后
	cm.mu.Lock()
	retry := cm.inputs[StagePlan][1]
	cm.mu.Unlock()
	require.Len(t, retry, 4)
	assert.Equal(t, schema.Assistant, retry[2].Role)
	assert.Equal(t, "DONE", retry[2].Content)
	assert.Contains(t, retry[3].Content, "not DONE")
}

func TestPlanner_NoInitialQuery(t *testing.T) {
	cm := newScriptedModel("DONE", "done", "Done.")
	p := NewPlanner(cm, nil, DefaultConfig(), nil)

	_, err := p.Plan(context.Background(), PlanInput{Schema: plannerSnapshot})
	assert.ErrorIs(t, err, ErrNoInitialQuery)
	assert.Equal(t, 3, cm.calls[StagePlan])
}

func TestPlanner_CorrectsFailedQuery(t *testing.T) {
	failed := "SELECT * FROM sales GROUP BY"
	corrected := "SELECT region, SUM(amount) FROM sales GROUP BY region"
	cm := newScriptedModel(failed, corrected)
	p := NewPlanner(cm, nil, DefaultConfig(), nil)

	in := PlanInput{
		Schema:   plannerSnapshot,
		Insights: []string{"The query could not run because GROUP BY had no column."},
		History:  []Decision{NextQuery(failed)},
		Outcomes: []datastore.Outcome{datastore.Failure(failed, "syntax error near GROUP BY")},
	}
	d, err := p.Plan(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, corrected, d.Query)
	assert.NotEqual(t, failed, d.Query)

	cm.mu.Lock()
	first := cm.inputs[StagePlan][0]
	cm.mu.Unlock()
	user := first[len(first)-1].Content
	assert.Contains(t, user, "The last query failed")
	assert.Contains(t, user, "syntax error near GROUP BY")
}

func TestPlanner_StopsAtCeilingWithoutModel(t *testing.T) {
	cm := newScriptedModel("SELECT 1")
	p := NewPlanner(cm, nil, DefaultConfig(), nil)

	insights := make([]string, 15)
	for i := range insights {
		insights[i] = "insight"
	}
	d, err := p.Plan(context.Background(), PlanInput{Schema: plannerSnapshot, Insights: insights})
	require.NoError(t, err)
	assert.True(t, d.IsStop())
	assert.Equal(t, datastore.StopSentinel, d.Text())
	assert.Zero(t, cm.calls[StagePlan])
}

func TestPlanner_ForwardsUnparseableOutputAfterAttempts(t *testing.T) {
	junk := "Let me think about which table to use."
	cm := newScriptedModel(junk, junk, junk)
	cfg := DefaultConfig()
	p := NewPlanner(cm, nil, cfg, nil)

	d, err := p.Plan(context.Background(), PlanInput{Schema: plannerSnapshot, Insights: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, NextQuery(junk), d)
	assert.Equal(t, cfg.MaxPlanAttempts, cm.calls[StagePlan])
}

func TestPlanner_ModelError(t *testing.T) {
	cm := newScriptedModel()
	cm.failAt = StagePlan
	p := NewPlanner(cm, nil, DefaultConfig(), nil)

	_, err := p.Plan(context.Background(), PlanInput{Schema: plannerSnapshot})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planner generate failed")
}

func TestParsePlan(t *testing.T) {
	history := []Decision{NextQuery("SELECT region, SUM(amount) FROM sales GROUP BY region")}
	cte := "WITH totals AS (\n  SELECT region, year, SUM(revenue) AS revenue FROM sales GROUP BY region, year\n)\n\nSELECT region, year, revenue FROM totals ORDER BY revenue DESC"
	literal := "SELECT region, SUM(revenue) FROM sales WHERE region <> 'a;b' GROUP BY region"
	split := "SELECT region,\n\n  year\nFROM sales\n\nORDER BY year"

	tests := []struct {
		name    string
		raw     string
		want    Decision
		wantErr error
	}{
		{name: "bare query", raw: "SELECT year FROM sales", want: NextQuery("SELECT year FROM sales")},
		{name: "trailing semicolon", raw: "SELECT year FROM sales;", want: NextQuery("SELECT year FROM sales")},
		{name: "fenced", raw: "```sql\nSELECT year\nFROM sales\n```", want: NextQuery("SELECT year\nFROM sales")},
		{name: "commentary around", raw: "Here is the next query:\nWITH t AS (SELECT 1) SELECT * FROM t;\nThis explores totals.", want: NextQuery("WITH t AS (SELECT 1) SELECT * FROM t")},
		{name: "commentary after blank line", raw: "SELECT year FROM sales\n\nThis looks at years.", want: NextQuery("SELECT year FROM sales")},
		{name: "cte with blank line", raw: cte, want: NextQuery(cte)},
		{name: "cte with blank line and commentary", raw: cte + "\n\nThis ranks regions by revenue.", want: NextQuery(cte)},
		{name: "semicolon inside literal", raw: literal, want: NextQuery(literal)},
		{name: "semicolon inside literal then commentary", raw: literal + ";\nThat's the filtered view.", want: NextQuery(literal)},
		{name: "clauses split by blank lines", raw: split, want: NextQuery(split)},
		{name: "stop", raw: "  done ", want: Stop()},
		{name: "stop with period", raw: "DONE.", want: Stop()},
		{name: "empty", raw: "   ", wantErr: ErrEmptyPlan},
		{name: "prose", raw: "I need more information.", wantErr: ErrNotAQuery},
		{name: "write statement", raw: "DELETE FROM sales", wantErr: ErrNotAQuery},
		{name: "repeat with different spacing", raw: "select region,  SUM(amount)\nFROM sales GROUP BY region;", wantErr: ErrRepeatedQuery},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePlan(tc.raw, history)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...(truncated)", truncate("abcdef", 3))

	// 每个汉字占 3 字节，截断点落在字符中间时回退到字符边界
	got := truncate("销售额按地区汇总", 7)
	assert.Equal(t, "销售...(truncated)", got)
	assert.True(t, utf8.ValidString(got))
}

func TestNumberedDecisions(t *testing.T) {
	out := numberedDecisions([]Decision{NextQuery("SELECT 1"), Stop()})
	assert.Equal(t, "1. SELECT 1\n2. DONE", out)
	assert.Equal(t, "(none)", numbered(nil))
	assert.True(t, strings.HasPrefix(numbered([]string{"a"}), "1. a"))
}
