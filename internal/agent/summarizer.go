package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/pkoukk/tiktoken-go"
	"github.com/wwwzy/InsightAgent/internal/datastore"
	"go.uber.org/zap"
)

var (
	ErrSkippedOutcome = errors.New("skipped outcomes are not summarized")
	ErrEmptyInsight   = errors.New("summarizer returned an empty insight")
)

// Summarizer 把一次执行结果转换为一条业务洞察(失败时为错误说明)。
type Summarizer struct {
	model     model.BaseChatModel
	pacer     Pacer
	success   prompt.ChatTemplate
	failure   prompt.ChatTemplate
	maxTokens int
	logger    *zap.Logger
}

func NewSummarizer(cm model.BaseChatModel, pacer Pacer, cfg Config, logger *zap.Logger) *Summarizer {
	cfg = cfg.withDefaults()
	if pacer == nil {
		pacer = noPacer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		model:     cm,
		pacer:     pacer,
		success:   NewSummaryTemplate(),
		failure:   NewFailureTemplate(),
		maxTokens: cfg.MaxResultTokens,
		logger:    logger,
	}
}

func (s *Summarizer) Summarize(ctx context.Context, o datastore.Outcome) (string, error) {
	// 1. 按结果形态选择模板
	var tpl prompt.ChatTemplate
	var vars map[string]any
	switch o.Kind {
	case datastore.OutcomeSuccess:
		result, shown := fitRows(o.Rows, s.maxTokens)
		if shown < len(o.Rows) {
			s.logger.Debug("result trimmed for summary", zap.Int("rows", len(o.Rows)), zap.Int("shown", shown))
			result += fmt.Sprintf("\n(showing the first %d of %d rows)", shown, len(o.Rows))
		}
		if o.Truncated {
			result += "\n(the result was cut at the row limit; more rows exist)"
		}
		tpl = s.success
		vars = map[string]any{"query": o.Query, "row_count": strconv.Itoa(len(o.Rows)), "result": result}
	case datastore.OutcomeFailure:
		tpl = s.failure
		vars = map[string]any{"query": o.Query, "error": o.Error}
	default:
		return "", ErrSkippedOutcome
	}

	messages, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("format summary template failed: %w", err)
	}

	// 2. 限速后调用模型
	if err := s.pacer.Wait(ctx); err != nil {
		return "", fmt.Errorf("summarizer pacing failed: %w", err)
	}
	resp, err := s.model.Generate(WithStage(ctx, StageSummarize), messages)
	if err != nil {
		return "", fmt.Errorf("summarizer generate failed: %w", err)
	}

	insight := strings.TrimSpace(resp.Content)
	if insight == "" {
		return "", ErrEmptyInsight
	}
	return insight, nil
}

// fitRows 返回不超过 token 预算的结果 JSON 以及其中包含的行数。
func fitRows(rows []datastore.Row, budget int) (string, int) {
	n := len(rows)
	for {
		data, err := json.Marshal(rows[:n])
		if err != nil {
			return fmt.Sprintf("(result could not be encoded: %v)", err), 0
		}
		if n == 0 || countTokens(string(data)) <= budget {
			return string(data), n
		}
		n /= 2
	}
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
	encoderMu   sync.Mutex
)

// countTokens 使用 cl100k_base 计数；编码表不可用时按 4 字符/token 估算。
func countTokens(text string) int {
	encoderOnce.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = tkm
		}
	})
	if encoder == nil {
		return len(text) / 4
	}
	encoderMu.Lock()
	defer encoderMu.Unlock()
	return len(encoder.Encode(text, nil, nil))
}
