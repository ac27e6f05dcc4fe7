package datastore

import "strings"

// StopSentinel 是规划器表示"分析结束"的字面量。
// 执行器遇到它时不访问数据库，直接返回 Skipped。
const StopSentinel = "DONE"

// IsStopSentinel 判断查询文本是否为停止标记(去空白、忽略大小写)。
func IsStopSentinel(query string) bool {
	return strings.EqualFold(strings.TrimSpace(query), StopSentinel)
}

type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeSkipped OutcomeKind = "skipped"
)

// Row 是一行结果，列名 -> 值。列顺序由 Outcome.Columns 保留。
type Row map[string]any

// Outcome 是一次执行的结构化结果，三种形态互斥:
//   - Success: Query/Columns/Rows
//   - Failure: Query/Error (Error 非空)
//   - Skipped: Note
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	Query     string      `json:"query,omitempty"`
	Columns   []string    `json:"columns,omitempty"`
	Rows      []Row       `json:"rows,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
	Error     string      `json:"error,omitempty"`
	Note      string      `json:"note,omitempty"`
}

func Success(query string, columns []string, rows []Row) Outcome {
	if rows == nil {
		rows = []Row{}
	}
	return Outcome{Kind: OutcomeSuccess, Query: query, Columns: columns, Rows: rows}
}

func Failure(query, message string) Outcome {
	if strings.TrimSpace(message) == "" {
		message = "query failed"
	}
	return Outcome{Kind: OutcomeFailure, Query: query, Error: message}
}

func Skipped(note string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Note: note}
}

func (o Outcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }
func (o Outcome) IsFailure() bool { return o.Kind == OutcomeFailure }
func (o Outcome) IsSkipped() bool { return o.Kind == OutcomeSkipped }
