package tui

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/InsightAgent/internal/agent"
	"github.com/wwwzy/InsightAgent/internal/datastore"
	"github.com/wwwzy/InsightAgent/internal/ui"
)

func update(t *testing.T, m runModel, msg tea.Msg) runModel {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(runModel)
	require.True(t, ok)
	return out
}

func TestRunModel_AppliesEvents(t *testing.T) {
	cancelled := false
	m := newRunModel(ui.Options{Target: "sqlite:///sales.db"}, func() { cancelled = true })
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})

	m = update(t, m, eventMsg{Kind: agent.EventStep, Step: agent.NodeFetchSchema})
	assert.Equal(t, "读取表结构", m.status)

	q := agent.NextQuery("SELECT region FROM sales")
	m = update(t, m, eventMsg{Kind: agent.EventQuery, Round: 1, Decision: q})
	m = update(t, m, eventMsg{Kind: agent.EventOutcome, Round: 1, Decision: q, Outcome: datastore.Failure(q.Query, "boom")})
	m = update(t, m, eventMsg{Kind: agent.EventInsight, Round: 1, Text: "The query failed"})
	m = update(t, m, eventMsg{Kind: agent.EventReport, Text: "Everything is fine"})

	content := m.render()
	assert.Contains(t, content, "SELECT region FROM sales")
	assert.Contains(t, content, "boom")
	assert.Contains(t, content, "The query failed")
	assert.Contains(t, content, "Everything is fine")

	// 运行中 q 不退出，ctrl+c 先取消运行
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.False(t, m.done)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.True(t, cancelled)
	assert.Equal(t, "正在取消", m.status)
}

func TestRunModel_Done(t *testing.T) {
	m := newRunModel(ui.DefaultOptions(), func() {})

	st := agent.NewState("run-1", "sqlite:///x.db")
	m = update(t, m, doneMsg{state: st})
	assert.True(t, m.done)
	assert.Contains(t, m.status, "分析完成")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	failed := update(t, newRunModel(ui.DefaultOptions(), func() {}), doneMsg{err: errors.New("connect failed")})
	assert.Equal(t, "分析失败", failed.status)
	assert.Contains(t, failed.render(), "分析失败: connect failed")

	sized := update(t, newRunModel(ui.DefaultOptions(), func() {}), tea.WindowSizeMsg{Width: 100, Height: 30})
	sized = update(t, sized, doneMsg{err: errors.New("connect failed")})
	assert.Contains(t, sized.render(), "connect failed")
}
