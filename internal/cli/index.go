package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wwwzy/InsightAgent/internal/retrieval"
)

var indexCmd = &cobra.Command{
	Use:   "index <document>",
	Short: "把参考分析文档写入 qdrant collection",
	Long: `切分参考文档(.pdf/.txt/.md)并写入 retrieval.qdrant 配置的 collection，
之后的 analyze 可以直接检索，无需每次重新索引。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rc := cfg.Retrieval
		if rc.Qdrant.URL == "" {
			return errors.New("index 需要配置 retrieval.qdrant.url")
		}

		emb, err := newEmbedder()
		if err != nil {
			return err
		}
		defer emb.Close()

		idx, err := retrieval.NewQdrantIndex(rc.Qdrant, emb, rc.TopK, logger.Named("retrieval"))
		if err != nil {
			return fmt.Errorf("连接 qdrant 失败: %w", err)
		}
		defer idx.Close()

		fmt.Printf("正在索引 %s 到 collection %s...\n", args[0], rc.Qdrant.Collection)
		n, err := retrieval.IndexDocument(ctx, idx, args[0], rc)
		if err != nil {
			return fmt.Errorf("索引参考文档失败: %w", err)
		}

		total, err := idx.Count(ctx)
		if err != nil {
			fmt.Printf("[WARN] Failed to count points: %v\n", err)
		}
		fmt.Printf("索引完成：写入 %d 个段落，collection 共 %d 个段落。\n", n, total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
