package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/wwwzy/InsightAgent/internal/datastore"
	"github.com/wwwzy/InsightAgent/internal/ui"
)

var stageDB string

var stageCmd = &cobra.Command{
	Use:   "stage <file.xlsx|file.csv>...",
	Short: "把表格文件导入目标数据库",
	Long: `读取 .xlsx(每个 sheet 一张表) 或 .csv(以文件名为表名)，推断列类型后写入 --db 指定的数据库。
已存在的同名表会被替换；sqlite 目标文件不存在时会自动创建。`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		src, err := connect(ctx, stageDB, true)
		if err != nil {
			return err
		}
		defer src.Close()

		stager := datastore.NewStager(src)
		var records [][]string
		for _, path := range args {
			fmt.Printf("正在导入 %s...\n", path)
			tables, err := stager.StageFile(ctx, path)
			for _, t := range tables {
				records = append(records, []string{t.Name, strconv.Itoa(len(t.Columns)), strconv.Itoa(t.Rows), path})
			}
			if err != nil {
				return fmt.Errorf("导入 %s 失败: %w", path, err)
			}
		}

		ui.WriteTable(os.Stdout, []string{"Table", "Columns", "Rows", "Source"}, records)
		fmt.Printf("导入完成，共 %d 张表。\n", len(records))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stageCmd)
	stageCmd.Flags().StringVar(&stageDB, "db", "", "目标数据库连接，如 sqlite:///sales.db")
	_ = stageCmd.MarkFlagRequired("db")
}
