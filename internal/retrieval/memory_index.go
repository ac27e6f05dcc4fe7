package retrieval

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

var ErrNoEmbedder = errors.New("index has no embedder")

// MemoryIndex 是进程内的余弦相似度索引，同时实现 eino indexer.Indexer 与 retriever.Retriever。
// 参考文档通常只有几十到几百个段落，线性扫描足够。
type MemoryIndex struct {
	embedder embedding.Embedder
	topK     int

	mu      sync.RWMutex
	docs    []*schema.Document
	vectors [][]float64
}

var (
	_ indexer.Indexer     = (*MemoryIndex)(nil)
	_ retriever.Retriever = (*MemoryIndex)(nil)
)

func NewMemoryIndex(e embedding.Embedder, topK int) *MemoryIndex {
	if topK <= 0 {
		topK = 3
	}
	return &MemoryIndex{embedder: e, topK: topK}
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryIndex) Store(ctx context.Context, docs []*schema.Document, opts ...indexer.Option) ([]string, error) {
	options := indexer.GetCommonOptions(&indexer.Options{Embedding: m.embedder}, opts...)
	if options.Embedding == nil {
		return nil, ErrNoEmbedder
	}
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := options.Embedding.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents failed: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(docs))
	}

	ids := make([]string, len(docs))
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range docs {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		ids[i] = d.ID
		m.docs = append(m.docs, d)
		m.vectors = append(m.vectors, vectors[i])
	}
	return ids, nil
}

func (m *MemoryIndex) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := m.topK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &topK, Embedding: m.embedder}, opts...)
	if options.Embedding == nil {
		return nil, ErrNoEmbedder
	}

	vectors, err := options.Embedding.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query failed: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want 1", len(vectors))
	}
	q := vectors[0]

	m.mu.RLock()
	type scored struct {
		doc   *schema.Document
		score float64
	}
	hits := make([]scored, 0, len(m.docs))
	for i, d := range m.docs {
		s := cosine(q, m.vectors[i])
		if options.ScoreThreshold != nil && s < *options.ScoreThreshold {
			continue
		}
		hits = append(hits, scored{doc: d, score: s})
	}
	m.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	k := min(max(*options.TopK, 0), len(hits))
	out := make([]*schema.Document, 0, k)
	for _, h := range hits[:k] {
		doc := &schema.Document{ID: h.doc.ID, Content: h.doc.Content, MetaData: maps.Clone(h.doc.MetaData)}
		out = append(out, doc.WithScore(h.score))
	}
	return out, nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
