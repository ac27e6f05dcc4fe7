package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/dgraph-io/badger/v4"
)

// CachedEmbedder 用 badger 缓存文本向量，避免每次运行都重新计算参考文档的 embedding。
// key = model + sha256(text)。
type CachedEmbedder struct {
	inner embedding.Embedder
	model string
	db    *badger.DB
}

var _ embedding.Embedder = (*CachedEmbedder)(nil)

// OpenCachedEmbedder 打开 dir 下的 badger 库；dir 为空时使用内存模式。
func OpenCachedEmbedder(inner embedding.Embedder, model, dir string) (*CachedEmbedder, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache failed: %w", err)
	}
	return &CachedEmbedder{inner: inner, model: model, db: db}, nil
}

func (c *CachedEmbedder) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *CachedEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))

	// 1. 读缓存
	var missing []int
	err := c.db.View(func(txn *badger.Txn) error {
		for i, text := range texts {
			item, err := txn.Get(c.key(text))
			if errors.Is(err, badger.ErrKeyNotFound) {
				missing = append(missing, i)
				continue
			}
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[i] = decodeVector(raw)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read embedding cache failed: %w", err)
	}
	if len(missing) == 0 {
		return out, nil
	}

	// 2. 只计算未命中的文本
	pending := make([]string, len(missing))
	for i, idx := range missing {
		pending[i] = texts[idx]
	}
	vectors, err := c.inner.EmbedStrings(ctx, pending, opts...)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(pending) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(pending))
	}

	// 3. 回写缓存
	err = c.db.Update(func(txn *badger.Txn) error {
		for i, idx := range missing {
			out[idx] = vectors[i]
			if err := txn.Set(c.key(texts[idx]), encodeVector(vectors[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("write embedding cache failed: %w", err)
	}
	return out, nil
}

func (c *CachedEmbedder) key(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return []byte(c.model + ":" + hex.EncodeToString(sum[:]))
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float64 {
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}
