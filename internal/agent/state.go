package agent

import (
	"errors"
	"fmt"

	"github.com/wwwzy/InsightAgent/internal/datastore"
)

var ErrStateInvariant = errors.New("agent state invariant violated")

type DecisionKind string

const (
	DecisionQuery DecisionKind = "query"
	DecisionStop  DecisionKind = "stop"
)

// Decision 是规划器的输出：下一条查询，或者停止。
type Decision struct {
	Kind  DecisionKind `json:"kind"`
	Query string       `json:"query,omitempty"`
}

func NextQuery(query string) Decision {
	return Decision{Kind: DecisionQuery, Query: query}
}

func Stop() Decision {
	return Decision{Kind: DecisionStop}
}

func (d Decision) IsStop() bool { return d.Kind == DecisionStop }

// Text 返回交给执行器的文本，Stop 对应停止哨兵。
func (d Decision) Text() string {
	if d.IsStop() {
		return datastore.StopSentinel
	}
	return d.Query
}

// AgentState 是在 Graph 中流转的分析状态。
// 循环中累积的集合只能通过 Append* 方法修改，以保证各集合长度之间的约束。
type AgentState struct {
	RunID            string `json:"run_id"`
	ConnectionTarget string `json:"connection_target"`

	// 序言阶段写入一次，之后只读
	Schema        datastore.Snapshot `json:"schema"`
	Domain        string             `json:"domain"`
	ReferencePlan []string           `json:"reference_plan"`

	// 循环累积：每轮规划追加一个 Decision，每轮执行追加一个 Outcome
	QueryHistory []Decision          `json:"query_history"`
	Outcomes     []datastore.Outcome `json:"outcomes"`
	Insights     []string            `json:"insights"`

	// Terminated 一旦为 true 不会再被重置
	Terminated bool   `json:"terminated"`
	Report     string `json:"report"`
}

func NewState(runID, target string) AgentState {
	return AgentState{
		RunID:            runID,
		ConnectionTarget: target,
		QueryHistory:     []Decision{},
		Outcomes:         []datastore.Outcome{},
		Insights:         []string{},
	}
}

// Round 返回当前轮次(从 1 开始)，即已规划的决策数。
func (s *AgentState) Round() int {
	return len(s.QueryHistory)
}

func (s *AgentState) stopped() bool {
	n := len(s.QueryHistory)
	return n > 0 && s.QueryHistory[n-1].IsStop()
}

func (s *AgentState) AppendDecision(d Decision) error {
	if s.Terminated || s.stopped() {
		return fmt.Errorf("%w: decision after stop", ErrStateInvariant)
	}
	if len(s.QueryHistory) != len(s.Outcomes) {
		return fmt.Errorf("%w: previous query has not been executed", ErrStateInvariant)
	}
	s.QueryHistory = append(s.QueryHistory, d)
	return nil
}

// AppendOutcome 追加本轮执行结果；本轮决策为 Stop 时同时置 Terminated。
func (s *AgentState) AppendOutcome(o datastore.Outcome) error {
	if s.Terminated {
		return fmt.Errorf("%w: outcome after termination", ErrStateInvariant)
	}
	if len(s.Outcomes)+1 != len(s.QueryHistory) {
		return fmt.Errorf("%w: outcome without a pending query", ErrStateInvariant)
	}
	stop := s.stopped()
	if stop != o.IsSkipped() {
		return fmt.Errorf("%w: %s outcome for a %s decision", ErrStateInvariant, o.Kind, s.QueryHistory[len(s.QueryHistory)-1].Kind)
	}
	s.Outcomes = append(s.Outcomes, o)
	if stop {
		s.Terminated = true
	}
	return nil
}

func (s *AgentState) AppendInsight(insight string) error {
	if s.Terminated {
		return fmt.Errorf("%w: insight after termination", ErrStateInvariant)
	}
	if len(s.Insights) >= len(s.Outcomes) {
		return fmt.Errorf("%w: insight without an outcome", ErrStateInvariant)
	}
	s.Insights = append(s.Insights, insight)
	return nil
}

func (s *AgentState) SetReport(report string) error {
	if !s.Terminated {
		return fmt.Errorf("%w: report before termination", ErrStateInvariant)
	}
	if s.Report != "" {
		return fmt.Errorf("%w: report already set", ErrStateInvariant)
	}
	s.Report = report
	return nil
}

func (s *AgentState) LastOutcome() (datastore.Outcome, bool) {
	if len(s.Outcomes) == 0 {
		return datastore.Outcome{}, false
	}
	return s.Outcomes[len(s.Outcomes)-1], true
}

// Failures 返回失败查询的数量。
func (s *AgentState) Failures() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.IsFailure() {
			n++
		}
	}
	return n
}

// Queries 返回实际提交过的查询数(不含 Stop)。
func (s *AgentState) Queries() int {
	n := 0
	for _, d := range s.QueryHistory {
		if !d.IsStop() {
			n++
		}
	}
	return n
}
