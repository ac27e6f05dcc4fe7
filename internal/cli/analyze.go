package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wwwzy/InsightAgent/internal/agent"
	"github.com/wwwzy/InsightAgent/internal/datastore"
	"github.com/wwwzy/InsightAgent/internal/llm"
	"github.com/wwwzy/InsightAgent/internal/storage"
	"github.com/wwwzy/InsightAgent/internal/tui"
	"github.com/wwwzy/InsightAgent/internal/ui"
)

var (
	analyzeDB          string
	analyzeUI          string
	analyzeReference   string
	analyzeMetricsAddr string
	analyzeOutput      string
	analyzePreviewRows int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "对数据库运行一次自主分析",
	Long: `连接 --db 指定的数据库，读取表结构并检索参考分析方案，
然后循环规划、执行并总结查询，直到得到足够的洞察，最后输出综合报告。`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVar(&analyzeDB, "db", "", "连接目标，如 sqlite:///sales.db、postgres://...")
	analyzeCmd.Flags().StringVar(&analyzeUI, "ui", "console", "进度界面类型: console/tui")
	analyzeCmd.Flags().StringVar(&analyzeReference, "reference", "", "参考分析文档(.pdf/.txt/.md)，覆盖 retrieval.document")
	analyzeCmd.Flags().StringVar(&analyzeMetricsAddr, "metrics-addr", "", "Prometheus 指标监听地址，覆盖 metrics.addr")
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "把最终报告写入该文件")
	analyzeCmd.Flags().IntVar(&analyzePreviewRows, "preview-rows", 5, "控制台界面每次查询展示的结果行数")
	_ = analyzeCmd.MarkFlagRequired("db")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	// 1. 上下文用于优雅退出
	ctx, cancel := signalContext()
	defer cancel()

	// 2. 命令行参数覆盖配置并校验凭据
	if analyzeReference != "" {
		cfg.Retrieval.Document = analyzeReference
	}
	if analyzeMetricsAddr != "" {
		cfg.Metrics.Addr = analyzeMetricsAddr
	}
	if err := cfg.ValidateLLM(); err != nil {
		return err
	}
	if err := cfg.ValidateEmbedding(); err != nil {
		return err
	}

	// 3. 选择界面
	var uiImpl ui.ProgressUI
	switch analyzeUI {
	case "console", "":
		uiImpl = &ui.ConsoleUI{Out: os.Stdout}
	case "tui":
		uiImpl = &tui.RunUI{}
	default:
		return fmt.Errorf("未知 ui 类型: %s (支持: console, tui)", analyzeUI)
	}

	// 4. 运行记录存储
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer store.Close()

	// 5. 模型与参考方案检索，所有调用都写入审计记录
	cm, err := llm.NewChatModel(ctx, cfg.LLM, logger.Named("llm"))
	if err != nil {
		return fmt.Errorf("初始化模型失败: %w", err)
	}
	audited := agent.WrapWithAudit(cm, store)

	plans, cleanup, err := newPlanSource(ctx, audited)
	if err != nil {
		return err
	}
	defer cleanup()

	serveMetrics(cfg.Metrics.Addr)

	// 6. 运行
	runner := func(ctx context.Context, obs agent.Observer) (agent.AgentState, error) {
		a, err := agent.New(cfg.Agent, agent.Deps{
			Connector: agent.DatastoreConnector(datastore.NewConnector(datastoreOptions(false))),
			Model:     audited,
			Plans:     plans,
			Recorder:  agent.NewStoreRecorder(store),
			Observer:  obs,
			Logger:    logger.Named("agent"),
		})
		if err != nil {
			return agent.AgentState{}, err
		}
		return a.Run(ctx, analyzeDB)
	}

	opts := ui.Options{Target: redact(analyzeDB), PreviewRows: analyzePreviewRows}
	state, err := uiImpl.Run(ctx, runner, opts)
	if err != nil {
		if state.RunID != "" {
			return fmt.Errorf("分析失败 (run %s): %w", state.RunID, err)
		}
		return fmt.Errorf("分析失败: %w", err)
	}

	// 7. 输出报告
	if analyzeOutput != "" {
		if err := os.WriteFile(analyzeOutput, []byte(state.Report+"\n"), 0o644); err != nil {
			return fmt.Errorf("写入报告失败: %w", err)
		}
		fmt.Printf("报告已写入 %s\n", analyzeOutput)
	}
	if analyzeUI == "tui" {
		// 全屏界面退出后报告不再可见
		fmt.Println(state.Report)
	}
	fmt.Printf("运行 ID: %s\n", state.RunID)
	return nil
}

// redact 去掉连接目标中的密码，解析失败时原样返回。
func redact(raw string) string {
	t, err := datastore.ParseTarget(raw)
	if err != nil {
		return raw
	}
	return t.Redacted()
}
