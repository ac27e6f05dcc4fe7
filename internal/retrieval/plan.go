package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/InsightAgent/internal/datastore"
	"go.uber.org/zap"
)

var ErrEmptyDomain = errors.New("domain classifier returned an empty label")

const classifySystemPrompt = `You are a data analyst. Look at the database schema and classify the business domain it belongs to,
for example sales, marketing, finance, human resources, logistics, healthcare or education.
Answer with the domain label only, in lowercase, without punctuation or explanation.`

var classifyTemplate = prompt.FromMessages(schema.FString,
	schema.SystemMessage(classifySystemPrompt),
	schema.UserMessage("Database schema:\n{schema}"),
)

// Plan 是检索得到的参考分析方案。
type Plan struct {
	Domain   string
	Passages []string
}

// PlanRetriever 先用 LLM 判断 schema 所属领域，再按领域标签检索参考文档段落。
type PlanRetriever struct {
	model     model.BaseChatModel
	retriever retriever.Retriever
	topK      int
	logger    *zap.Logger
}

// NewPlanRetriever 中 r 可以为 nil，此时只做领域分类，不返回参考段落。
func NewPlanRetriever(cm model.BaseChatModel, r retriever.Retriever, topK int, logger *zap.Logger) *PlanRetriever {
	if topK <= 0 {
		topK = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanRetriever{model: cm, retriever: r, topK: topK, logger: logger}
}

func (p *PlanRetriever) ClassifyDomain(ctx context.Context, snap datastore.Snapshot) (string, error) {
	msgs, err := classifyTemplate.Format(ctx, map[string]any{"schema": snap.JSON()})
	if err != nil {
		return "", fmt.Errorf("format classify prompt failed: %w", err)
	}
	resp, err := p.model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("classify domain failed: %w", err)
	}
	label := normalizeLabel(resp.Content)
	if label == "" {
		return "", ErrEmptyDomain
	}
	return label, nil
}

func (p *PlanRetriever) Retrieve(ctx context.Context, label string, k int) ([]string, error) {
	if p.retriever == nil {
		return nil, nil
	}
	docs, err := p.retriever.Retrieve(ctx, label, retriever.WithTopK(k))
	if err != nil {
		return nil, fmt.Errorf("retrieve reference plan failed: %w", err)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Content)
	}
	return out, nil
}

func (p *PlanRetriever) ReferencePlan(ctx context.Context, snap datastore.Snapshot) (Plan, error) {
	label, err := p.ClassifyDomain(ctx, snap)
	if err != nil {
		return Plan{}, err
	}
	if p.retriever == nil {
		p.logger.Warn("no reference document configured, planning without a reference plan", zap.String("domain", label))
		return Plan{Domain: label}, nil
	}

	passages, err := p.Retrieve(ctx, label, p.topK)
	if err != nil {
		return Plan{}, err
	}
	p.logger.Info("reference plan retrieved", zap.String("domain", label), zap.Int("passages", len(passages)))
	return Plan{Domain: label, Passages: passages}, nil
}

// normalizeLabel 取首行，去掉引号、句号等修饰并转小写。
func normalizeLabel(raw string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	line = strings.TrimSpace(line)
	if _, after, ok := strings.Cut(line, ":"); ok {
		line = after
	}
	line = strings.Trim(line, " \t\"'`*.。")
	return strings.ToLower(line)
}

// IndexDocument 切分参考文档并写入 indexer，返回写入的段落数。
func IndexDocument(ctx context.Context, idx indexer.Indexer, path string, cfg Config) (int, error) {
	passages, err := LoadPassages(path, cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return 0, err
	}
	if len(passages) == 0 {
		return 0, fmt.Errorf("reference document %s has no text", path)
	}

	source := filepath.Base(path)
	docs := make([]*schema.Document, len(passages))
	for i, text := range passages {
		docs[i] = &schema.Document{
			Content:  text,
			MetaData: map[string]any{"source": source, "chunk": i},
		}
	}
	if _, err := idx.Store(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}
