package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wwwzy/InsightAgent/internal/datastore"
	"github.com/wwwzy/InsightAgent/internal/retrieval"
	"go.uber.org/zap"
)

// signalContext 在收到 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func datastoreOptions(allowCreate bool) datastore.Options {
	return datastore.Options{
		QueryTimeout: cfg.Agent.QueryTimeout,
		MaxRows:      cfg.Agent.MaxRows,
		SampleRows:   cfg.Agent.SampleRows,
		MaxOpenConns: cfg.Agent.MaxOpenConns,
		AllowCreate:  allowCreate,
		Logger:       logger.Named("datastore"),
	}
}

// connect 打开 --db 指定的数据源
func connect(ctx context.Context, target string, allowCreate bool) (*datastore.Source, error) {
	if target == "" {
		return nil, errors.New("必须通过 --db 指定连接目标")
	}
	src, err := datastore.NewConnector(datastoreOptions(allowCreate)).Connect(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("连接数据源失败: %w", err)
	}
	return src, nil
}

// newEmbedder 构建带 badger 缓存的 OpenAI embedder，调用方负责 Close。
func newEmbedder() (*retrieval.CachedEmbedder, error) {
	if cfg.Embedding.APIKey == "" {
		return nil, errors.New("embedding.api_key is required for retrieval (or set OPENAI_API_KEY env var)")
	}
	base, err := retrieval.NewOpenAIEmbedder(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("创建 embedder 失败: %w", err)
	}
	cached, err := retrieval.OpenCachedEmbedder(base, cfg.Embedding.Model, cfg.Embedding.CacheDir)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// newPlanSource 按 retrieval 配置构建参考方案检索器:
//   - 未配置文档且使用内存后端: 只做领域分类
//   - 内存后端: 启动时切分并索引参考文档
//   - qdrant 后端: collection 为空且配置了文档时先写入
func newPlanSource(ctx context.Context, cm model.BaseChatModel) (*retrieval.PlanRetriever, func(), error) {
	rc := cfg.Retrieval
	log := logger.Named("retrieval")
	if rc.Document == "" && rc.Backend != retrieval.BackendQdrant {
		return retrieval.NewPlanRetriever(cm, nil, rc.TopK, log), func() {}, nil
	}

	emb, err := newEmbedder()
	if err != nil {
		return nil, nil, err
	}
	closeEmb := func() {
		if err := emb.Close(); err != nil {
			fmt.Printf("[WARN] Failed to close embedding cache: %v\n", err)
		}
	}

	switch rc.Backend {
	case retrieval.BackendQdrant:
		idx, err := retrieval.NewQdrantIndex(rc.Qdrant, emb, rc.TopK, log)
		if err != nil {
			closeEmb()
			return nil, nil, fmt.Errorf("连接 qdrant 失败: %w", err)
		}
		cleanup := func() {
			_ = idx.Close()
			closeEmb()
		}
		if rc.Document != "" {
			count, err := idx.Count(ctx)
			if err != nil || count == 0 {
				n, err := retrieval.IndexDocument(ctx, idx, rc.Document, rc)
				if err != nil {
					cleanup()
					return nil, nil, fmt.Errorf("索引参考文档失败: %w", err)
				}
				log.Info("reference document indexed", zap.String("document", rc.Document), zap.Int("passages", n))
			}
		}
		return retrieval.NewPlanRetriever(cm, idx, rc.TopK, log), cleanup, nil

	default:
		idx := retrieval.NewMemoryIndex(emb, rc.TopK)
		n, err := retrieval.IndexDocument(ctx, idx, rc.Document, rc)
		if err != nil {
			closeEmb()
			return nil, nil, fmt.Errorf("索引参考文档失败: %w", err)
		}
		log.Info("reference document indexed", zap.String("document", rc.Document), zap.Int("passages", n))
		return retrieval.NewPlanRetriever(cm, idx, rc.TopK, log), closeEmb, nil
	}
}

// serveMetrics 在 addr 上暴露 /metrics，addr 为空时不启动。
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Printf("[WARN] Failed to start metrics listener: %v\n", err)
			return
		}
		logger.Info("prometheus metrics server listening", zap.String("address", listener.Addr().String()))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, mux); err != nil {
			fmt.Printf("[WARN] Metrics server stopped: %v\n", err)
		}
	}()
}
