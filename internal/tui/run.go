package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/wwwzy/InsightAgent/internal/agent"
	"github.com/wwwzy/InsightAgent/internal/ui"
)

// RunUI 在全屏界面中展示分析进度，结束后用 markdown 渲染最终报告。
type RunUI struct{}

func (u *RunUI) Run(ctx context.Context, run ui.Runner, opts ui.Options) (agent.AgentState, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newRunModel(opts, cancel)
	p := tea.NewProgram(m, tea.WithAltScreen())

	// 分析在后台运行，事件经 p.Send 投递给界面
	go func() {
		obs := agent.ObserverFunc(func(e agent.Event) { p.Send(eventMsg(e)) })
		state, err := invokeDiscardingStdIO(func() (agent.AgentState, error) {
			return run(ctx, obs)
		})
		p.Send(doneMsg{state: state, err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return agent.AgentState{}, fmt.Errorf("run tui failed: %w", err)
	}
	fm, ok := final.(runModel)
	if !ok || !fm.done {
		// 界面提前退出，运行已被取消
		return agent.AgentState{}, context.Canceled
	}
	return fm.state, fm.err
}

type eventMsg agent.Event

type doneMsg struct {
	state agent.AgentState
	err   error
}

var stdioMu sync.Mutex

// invokeDiscardingStdIO 在运行期间把 stdout/stderr 指向 /dev/null，避免 [WARN] 等输出破坏全屏界面。
func invokeDiscardingStdIO(fn func() (agent.AgentState, error)) (agent.AgentState, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return fn()
	}
	defer devNull.Close()

	stdioMu.Lock()
	oldStdout := os.Stdout
	oldStderr := os.Stderr
	os.Stdout = devNull
	os.Stderr = devNull
	stdioMu.Unlock()

	state, runErr := fn()

	stdioMu.Lock()
	os.Stdout = oldStdout
	os.Stderr = oldStderr
	stdioMu.Unlock()

	return state, runErr
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	roundStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	queryStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	insightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

type runModel struct {
	opts   ui.Options
	cancel context.CancelFunc

	width  int
	height int

	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	status string
	log    []string
	report string

	done  bool
	state agent.AgentState
	err   error
}

func newRunModel(opts ui.Options, cancel context.CancelFunc) runModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot

	vp := viewport.New(0, 0)
	vp.SetContent("")

	return runModel{
		opts:     opts,
		cancel:   cancel,
		viewport: vp,
		spinner:  s,
		status:   "准备中",
	}
}

func (m runModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			// 先取消运行，等待 doneMsg 后再由用户退出
			m.cancel()
			m.status = "正在取消"
			return m, nil
		case "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = m.width
		m.viewport.Height = max(1, m.height-2)
		m.resetMarkdownRenderer()
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(agent.Event(msg))
		m.refresh()
		return m, nil

	case doneMsg:
		m.done = true
		m.state = msg.state
		m.err = msg.err
		if msg.err != nil {
			m.status = "分析失败"
			m.log = append(m.log, failStyle.Render(fmt.Sprintf("分析失败: %v", msg.err)))
		} else {
			m.status = fmt.Sprintf("分析完成: %d 条查询，%d 条失败，%d 条洞察",
				m.state.Queries(), m.state.Failures(), len(m.state.Insights))
		}
		m.refresh()
		return m, nil
	}
	return m, nil
}

// apply 把进度事件转成日志行
func (m *runModel) apply(e agent.Event) {
	switch e.Kind {
	case agent.EventStep:
		if label := ui.StepLabel(e.Step); label != "" {
			m.status = label
			return
		}
		m.status = fmt.Sprintf("第 %d 轮: %s", max(1, e.Round), e.Step)
	case agent.EventQuery:
		if e.Decision.IsStop() {
			m.log = append(m.log, roundStyle.Render(fmt.Sprintf("第 %d 轮", e.Round))+" 规划器结束分析")
			return
		}
		m.log = append(m.log, roundStyle.Render(fmt.Sprintf("第 %d 轮", e.Round)), queryStyle.Render(strings.TrimSpace(e.Decision.Query)))
	case agent.EventOutcome:
		o := e.Outcome
		switch {
		case o.IsSuccess():
			m.log = append(m.log, okStyle.Render(fmt.Sprintf("成功: 返回 %d 行", len(o.Rows))))
		case o.IsFailure():
			m.log = append(m.log, failStyle.Render("失败: "+o.Error))
		}
	case agent.EventInsight:
		m.log = append(m.log, insightStyle.Render("洞察: "+strings.TrimSpace(e.Text)), "")
	case agent.EventReport:
		m.report = e.Text
	}
}

func (m *runModel) resetMarkdownRenderer() {
	if m.width <= 0 {
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(20, m.width-4)),
	)
	if err == nil {
		m.renderer = r
	}
}

func (m *runModel) refresh() {
	m.viewport.SetContent(m.render())
	m.viewport.GotoBottom()
}

func (m runModel) render() string {
	var b strings.Builder
	for _, line := range m.log {
		// 尚未收到窗口尺寸时不折行
		if m.width > 0 {
			line = lipgloss.NewStyle().Width(m.width).Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.report != "" {
		b.WriteString("\n")
		b.WriteString(m.renderReport())
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m runModel) renderReport() string {
	md := "# 分析报告\n\n" + m.report
	if m.renderer != nil {
		if rendered, err := m.renderer.Render(md); err == nil {
			return strings.TrimRight(rendered, "\n")
		}
	}
	return md
}

func (m runModel) View() string {
	header := titleStyle.Render("InsightAgent")
	if m.opts.Target != "" {
		header += "  " + queryStyle.Render(m.opts.Target)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), m.footerView())
}

func (m runModel) footerView() string {
	left := m.status
	if !m.done {
		left = m.spinner.View() + " " + left
	}
	right := "PgUp/PgDn 滚动 | Ctrl+C 取消"
	if m.done {
		right = "PgUp/PgDn 滚动 | q 退出"
	}
	gap := max(1, m.width-lipgloss.Width(left)-lipgloss.Width(right)-2)
	return lipgloss.NewStyle().Padding(0, 1).Render(left + strings.Repeat(" ", gap) + right)
}
