package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

const payloadContent = "content"

// QdrantIndex 把段落存进 qdrant collection，适合多次运行共享同一份参考文档索引。
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	embedder   embedding.Embedder
	topK       int
	logger     *zap.Logger
}

var (
	_ indexer.Indexer     = (*QdrantIndex)(nil)
	_ retriever.Retriever = (*QdrantIndex)(nil)
)

// parseQdrantURL 解析 http(s)://host:port；REST 端口 6333 会被换成 gRPC 端口 6334。
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

func NewQdrantIndex(cfg QdrantConfig, e embedding.Embedder, topK int, logger *zap.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", host, port, err)
	}
	if topK <= 0 {
		topK = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		embedder:   e,
		topK:       topK,
		logger:     logger,
	}, nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// EnsureCollection 在 collection 不存在时按向量维度创建。
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dims uint64) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dims,
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return fmt.Errorf("create collection %q: %w", q.collection, err)
	}
	q.logger.Info("qdrant collection created", zap.String("collection", q.collection), zap.Uint64("dims", dims))
	return nil
}

// Count 返回 collection 中的点数，collection 不存在时为 0。
func (q *QdrantIndex) Count(ctx context.Context) (uint64, error) {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil || !exists {
		return 0, err
	}
	return q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
}

func (q *QdrantIndex) Store(ctx context.Context, docs []*schema.Document, opts ...indexer.Option) ([]string, error) {
	options := indexer.GetCommonOptions(&indexer.Options{Embedding: q.embedder}, opts...)
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
	if err := q.EnsureCollection(ctx, uint64(len(vectors[0]))); err != nil {
		return nil, err
	}

	ids := make([]string, len(docs))
	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		// 同一段内容得到同一个 ID，重复建索引是幂等的
		if d.ID == "" {
			d.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(q.collection+"\x00"+d.Content)).String()
		}
		ids[i] = d.ID

		payload := map[string]any{payloadContent: d.Content}
		for k, v := range d.MetaData {
			switch v.(type) {
			case string, int, int64, float64, bool:
				payload[k] = v
			}
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(d.ID),
			Vectors: qdrant.NewVectorsDense(toFloat32(vectors[i])),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}); err != nil {
		return nil, fmt.Errorf("qdrant upsert %d points: %w", len(points), err)
	}
	return ids, nil
}

func (q *QdrantIndex) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := q.topK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &topK, Embedding: q.embedder}, opts...)
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

	limit := uint64(max(*options.TopK, 1))
	req := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(toFloat32(vectors[0])),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if options.ScoreThreshold != nil {
		threshold := float32(*options.ScoreThreshold)
		req.ScoreThreshold = &threshold
	}

	scored, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	out := make([]*schema.Document, 0, len(scored))
	for _, sp := range scored {
		doc := &schema.Document{
			ID:       sp.GetId().GetUuid(),
			Content:  sp.GetPayload()[payloadContent].GetStringValue(),
			MetaData: map[string]any{},
		}
		for k, v := range sp.GetPayload() {
			if k != payloadContent {
				doc.MetaData[k] = v.GetStringValue()
			}
		}
		out = append(out, doc.WithScore(float64(sp.GetScore())))
	}
	return out, nil
}
