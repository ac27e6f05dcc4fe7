package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

var ErrVerbatimReport = errors.New("synthesizer repeated the insights verbatim")

// NoFindingsReport 在没有任何洞察时直接作为报告返回，不调用模型。
const NoFindingsReport = "# Executive Report\n\nThe analysis finished without producing any insights, so there are no findings to report."

// Synthesizer 把全部洞察汇总为一份报告，每次运行只调用一次。
type Synthesizer struct {
	model    model.BaseChatModel
	template prompt.ChatTemplate
	logger   *zap.Logger
}

func NewSynthesizer(cm model.BaseChatModel, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{model: cm, template: NewSynthesisTemplate(), logger: logger}
}

func (s *Synthesizer) Synthesize(ctx context.Context, domain string, insights []string) (string, error) {
	if len(insights) == 0 {
		return NoFindingsReport, nil
	}

	messages, err := s.template.Format(ctx, map[string]any{
		"domain":   orDefault(domain, "unknown"),
		"insights": numbered(insights),
	})
	if err != nil {
		return "", fmt.Errorf("format synthesis template failed: %w", err)
	}

	ctx = WithStage(ctx, StageSynthesize)
	// 首次请求 + 一次纠正
	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := s.model.Generate(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("synthesizer generate failed: %w", err)
		}
		report := strings.TrimSpace(resp.Content)
		if report != "" && !IsVerbatimConcatenation(report, insights) {
			return report, nil
		}
		s.logger.Warn("report rejected", zap.Int("attempt", attempt), zap.Bool("empty", report == ""))
		messages = append(messages, schema.AssistantMessage(resp.Content, nil), schema.UserMessage(verbatimCorrection))
	}
	return "", ErrVerbatimReport
}

// IsVerbatimConcatenation 判断报告是否只是把洞察逐条拼接：
// 每条洞察都原样出现，且去掉它们后剩下的文字比洞察本身还少。
func IsVerbatimConcatenation(report string, insights []string) bool {
	rest := normalizeText(report)
	total := 0
	for _, in := range insights {
		n := normalizeText(in)
		if n == "" {
			continue
		}
		if !strings.Contains(rest, n) {
			return false
		}
		rest = strings.Replace(rest, n, " ", 1)
		total += len(n)
	}
	residual := len(strings.Join(strings.Fields(stripListMarkers(rest)), " "))
	return residual < total
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func stripListMarkers(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '*', '#', '.', ':', ')', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			return ' '
		}
		return r
	}, s)
}
