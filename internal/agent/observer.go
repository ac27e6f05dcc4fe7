package agent

import "github.com/wwwzy/InsightAgent/internal/datastore"

type EventKind string

const (
	EventStep    EventKind = "step"
	EventQuery   EventKind = "query"
	EventOutcome EventKind = "outcome"
	EventInsight EventKind = "insight"
	EventReport  EventKind = "report"
)

// Event 是运行过程中推送给界面的进度事件。
type Event struct {
	Kind  EventKind
	RunID string
	// Step 为进入的节点名，仅 EventStep 填写
	Step     string
	Round    int
	Decision Decision
	Outcome  datastore.Outcome
	// Text 为洞察或报告正文
	Text string
}

// Observer 接收进度事件。OnEvent 在控制循环中同步调用，实现不应阻塞。
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}
