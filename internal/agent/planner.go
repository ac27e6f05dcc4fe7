package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/InsightAgent/internal/datastore"
	"go.uber.org/zap"
)

var (
	ErrEmptyPlan      = errors.New("planner returned no query")
	ErrNotAQuery      = errors.New("planner output is not a read-only query")
	ErrRepeatedQuery  = errors.New("planner repeated an earlier query")
	ErrPrematureStop  = errors.New("planner stopped before the first query")
	ErrNoInitialQuery = errors.New("planner produced no initial query")
)

// PlanInput 是一次规划所需的全部输入，规划器不持有状态。
type PlanInput struct {
	Schema        datastore.Snapshot
	ReferencePlan []string
	Insights      []string
	History       []Decision
	Outcomes      []datastore.Outcome
}

func planInputFrom(st AgentState) PlanInput {
	return PlanInput{
		Schema:        st.Schema,
		ReferencePlan: st.ReferencePlan,
		Insights:      st.Insights,
		History:       st.QueryHistory,
		Outcomes:      st.Outcomes,
	}
}

type Planner struct {
	model       model.BaseChatModel
	pacer       Pacer
	template    prompt.ChatTemplate
	maxInsights int
	maxAttempts int
	logger      *zap.Logger
}

func NewPlanner(cm model.BaseChatModel, pacer Pacer, cfg Config, logger *zap.Logger) *Planner {
	cfg = cfg.withDefaults()
	if pacer == nil {
		pacer = noPacer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		model:       cm,
		pacer:       pacer,
		template:    NewPlannerTemplate(),
		maxInsights: cfg.MaxInsights,
		maxAttempts: cfg.MaxPlanAttempts,
		logger:      logger,
	}
}

// Plan 返回下一条查询或 Stop。
//
// 洞察数达到上限时直接返回 Stop，不调用模型。模型输出经 ParsePlan 校验，
// 不合规时带着纠正提示重新请求；次数用尽后把原始文本原样交给执行器，
// 由执行结果(Failure)反馈给下一轮。
func (p *Planner) Plan(ctx context.Context, in PlanInput) (Decision, error) {
	// 1. 上限检查
	if len(in.Insights) >= p.maxInsights {
		p.logger.Info("insight ceiling reached", zap.Int("insights", len(in.Insights)), zap.Int("max", p.maxInsights))
		return Stop(), nil
	}

	// 2. 生成消息
	messages, err := p.template.Format(ctx, p.templateVars(in))
	if err != nil {
		return Decision{}, fmt.Errorf("format planner template failed: %w", err)
	}

	// 3. 请求 + 校验，不合规则追加纠正消息后重试
	ctx = WithStage(ctx, StagePlan)
	var raw string
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.pacer.Wait(ctx); err != nil {
			return Decision{}, fmt.Errorf("planner pacing failed: %w", err)
		}
		resp, err := p.model.Generate(ctx, messages)
		if err != nil {
			return Decision{}, fmt.Errorf("planner generate failed: %w", err)
		}
		raw = resp.Content

		d, perr := ParsePlan(raw, in.History)
		if perr == nil && d.IsStop() && len(in.Insights) == 0 {
			perr = ErrPrematureStop
		}
		if perr == nil {
			return d, nil
		}

		lastErr = perr
		planRejectionsTotal.WithLabelValues(rejectionReason(perr)).Inc()
		p.logger.Warn("planner output rejected",
			zap.Int("attempt", attempt),
			zap.Error(perr),
			zap.String("output", truncate(raw, 200)),
		)
		messages = append(messages,
			schema.AssistantMessage(raw, nil),
			schema.UserMessage(correctionFor(perr)),
		)
	}

	// 4. 次数用尽
	if errors.Is(lastErr, ErrPrematureStop) {
		return Decision{}, ErrNoInitialQuery
	}
	forwarded := strings.TrimSpace(raw)
	if forwarded == "" {
		return Decision{}, fmt.Errorf("%w after %d attempts", ErrEmptyPlan, p.maxAttempts)
	}
	p.logger.Warn("forwarding unvalidated planner output", zap.String("output", truncate(forwarded, 200)))
	return NextQuery(forwarded), nil
}

func (p *Planner) templateVars(in PlanInput) map[string]any {
	feedback := ""
	if n := len(in.Outcomes); n > 0 && in.Outcomes[n-1].IsFailure() {
		last := in.Outcomes[n-1]
		feedback = fmt.Sprintf(lastFailureFeedback, last.Query, last.Error)
	}
	return map[string]any{
		"dialect":       orDefault(in.Schema.Dialect, "SQL"),
		"max_insights":  strconv.Itoa(p.maxInsights),
		"schema":        in.Schema.JSON(),
		"plan":          orDefault(strings.Join(in.ReferencePlan, "\n---\n"), "(none)"),
		"insight_count": strconv.Itoa(len(in.Insights)),
		"insights":      numbered(in.Insights),
		"history":       numberedDecisions(in.History),
		"feedback":      feedback,
	}
}

func correctionFor(err error) string {
	switch {
	case errors.Is(err, ErrPrematureStop):
		return "No analysis has been done yet. Reply with the first SQL query, not DONE."
	case errors.Is(err, ErrRepeatedQuery):
		return "That query was already run. Reply with a different query that explores a new angle, or DONE."
	case errors.Is(err, ErrEmptyPlan):
		return "Your reply was empty. Reply with one SQL query, or DONE."
	default:
		return "Reply with exactly one read-only SQL statement (SELECT or WITH) and no other text, or DONE."
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrPrematureStop):
		return "premature_stop"
	case errors.Is(err, ErrRepeatedQuery):
		return "repeated"
	case errors.Is(err, ErrEmptyPlan):
		return "empty"
	default:
		return "not_a_query"
	}
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\n?(.*?)```")

var spaces = regexp.MustCompile(`\s+`)

// ParsePlan 校验规划器输出的形态并转换为 Decision。
//
// 依次：取代码块内容、识别停止哨兵、从首个查询关键字截取到语句末尾、
// 检查只读语句、拒绝与历史完全相同的查询。
func ParsePlan(raw string, history []Decision) (Decision, error) {
	text := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if text == "" {
		return Decision{}, ErrEmptyPlan
	}
	if datastore.IsStopSentinel(strings.TrimRight(text, ".!")) {
		return Stop(), nil
	}

	query := extractStatement(text)
	if query == "" || !datastore.IsReadOnly(query) {
		return Decision{}, ErrNotAQuery
	}

	key := normalizeQuery(query)
	for _, d := range history {
		if !d.IsStop() && normalizeQuery(d.Query) == key {
			return Decision{}, ErrRepeatedQuery
		}
	}
	return NextQuery(query), nil
}

var statementStarts = []string{"SELECT", "WITH", "EXPLAIN", "SHOW", "DESCRIBE", "VALUES"}

// continuationWords 是空行之后仍属于同一条语句的段落开头。
var continuationWords = map[string]bool{
	"SELECT": true, "WITH": true, "FROM": true, "WHERE": true, "GROUP": true, "ORDER": true,
	"HAVING": true, "LIMIT": true, "OFFSET": true, "JOIN": true, "LEFT": true, "RIGHT": true,
	"INNER": true, "OUTER": true, "FULL": true, "CROSS": true, "UNION": true, "INTERSECT": true,
	"EXCEPT": true, "AND": true, "OR": true, "ON": true, "USING": true, "WINDOW": true,
	"VALUES": true, "CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
}

var blankLine = regexp.MustCompile(`\n[ \t\r]*\n`)

// extractStatement 跳过语句前的说明文字，截掉语句后的说明文字。
// 只在字面量之外的首个分号处截断；没有分号时，空行之后的段落如果不像 SQL 的延续才丢弃。
func extractStatement(text string) string {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		word, _, _ := strings.Cut(strings.TrimSpace(line), " ")
		word = strings.ToUpper(strings.TrimRight(word, "("))
		for _, kw := range statementStarts {
			if word == kw {
				start = i
				break
			}
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return ""
	}

	stmt := strings.Join(lines[start:], "\n")
	masked := datastore.MaskSQL(stmt)
	if i := strings.IndexByte(masked, ';'); i >= 0 {
		return strings.TrimSpace(stmt[:i])
	}
	for _, loc := range blankLine.FindAllStringIndex(masked, -1) {
		if !continuesStatement(masked[:loc[0]], masked[loc[1]:]) {
			return strings.TrimSpace(stmt[:loc[0]])
		}
	}
	return strings.TrimSpace(stmt)
}

// continuesStatement 判断空行之后的段落是否仍是前文语句的一部分。
func continuesStatement(before, after string) bool {
	before = strings.TrimSpace(before)
	if strings.HasSuffix(before, ",") || strings.HasSuffix(before, "(") {
		return true
	}
	after = strings.TrimSpace(after)
	if after == "" || strings.HasPrefix(after, ")") || strings.HasPrefix(after, "(") {
		return true
	}
	word := strings.Fields(after)[0]
	return continuationWords[strings.ToUpper(strings.TrimRight(word, "(,"))]
}

func normalizeQuery(q string) string {
	q = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(q), ";"))
	return strings.ToLower(spaces.ReplaceAllString(q, " "))
}

func numbered(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, s := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}

func numberedDecisions(history []Decision) string {
	texts := make([]string, len(history))
	for i, d := range history {
		texts[i] = d.Text()
	}
	return numbered(texts)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// truncate 在不超过 limit 字节的字符边界处截断。
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
