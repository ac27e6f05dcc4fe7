package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/wwwzy/InsightAgent/internal/config"
	"github.com/wwwzy/InsightAgent/internal/logging"
	"go.uber.org/zap"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "insightagent",
	Short: "InsightAgent 是一个自主数据分析 Agent",
	Long: `InsightAgent 连接一个关系型数据库，读取表结构，检索参考分析方案，
然后循环地规划 SQL 查询、执行并总结洞察，最终生成一份综合分析报告。`,
	SilenceUsage: true,
}

// Execute 将所有子命令添加到根命令并适当设置标志。
// 这由 main.main() 调用。它只需要对 rootCmd 调用一次。
func Execute() error {
	defer func() {
		if logger != nil {
			_ = logger.Sync()
		}
	}()
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、$HOME/.insightagent/config.yaml 搜索）")
}

// initConfig 读取 .env、配置文件和环境变量，并初始化日志。
func initConfig() {
	// .env 不存在时忽略
	_ = godotenv.Load()

	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err = logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	cfg.Storage.Logger = logger.Named("storage")
}
