package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wwwzy/InsightAgent/internal/datastore"
	"github.com/wwwzy/InsightAgent/internal/ui"
)

var (
	schemaDB   string
	schemaJSON bool
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "打印数据库的表结构快照",
	Long:  `输出与分析时提供给模型相同的快照：列、外键和样例行。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		src, err := connect(ctx, schemaDB, false)
		if err != nil {
			return err
		}
		defer src.Close()

		snap, err := src.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("读取表结构失败: %w", err)
		}

		if schemaJSON {
			fmt.Println(snap.JSON())
			return nil
		}
		printSnapshot(snap)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.Flags().StringVar(&schemaDB, "db", "", "连接目标，如 sqlite:///sales.db")
	schemaCmd.Flags().BoolVar(&schemaJSON, "json", false, "以 JSON 输出")
	_ = schemaCmd.MarkFlagRequired("db")
}

func printSnapshot(snap datastore.Snapshot) {
	fmt.Printf("Dialect: %s, %d tables\n", snap.Dialect, len(snap.Tables))
	for _, t := range snap.Tables {
		fmt.Printf("\n== %s ==\n", t.Name)

		records := make([][]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			records = append(records, []string{c.Name, c.Type, references(t, c.Name)})
		}
		ui.WriteTable(os.Stdout, []string{"Column", "Type", "References"}, records)

		if len(t.SampleRows) > 0 {
			columns := make([]string, len(t.Columns))
			for i, c := range t.Columns {
				columns[i] = c.Name
			}
			fmt.Println("Sample rows:")
			ui.WriteRows(os.Stdout, columns, t.SampleRows, len(t.SampleRows))
		}
	}
}

// references 返回列参与的外键，形如 orders.id
func references(t datastore.Table, column string) string {
	var refs []string
	for _, fk := range t.ForeignKeys {
		for i, c := range fk.ConstrainedColumns {
			if c != column {
				continue
			}
			ref := fk.ReferredTable
			if i < len(fk.ReferredColumns) {
				ref += "." + fk.ReferredColumns[i]
			}
			refs = append(refs, ref)
		}
	}
	return strings.Join(refs, ", ")
}
