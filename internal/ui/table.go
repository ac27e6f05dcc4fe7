package ui

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/wwwzy/InsightAgent/internal/datastore"
)

// WriteTable 以表格形式输出 header + records
func WriteTable(w io.Writer, header []string, records [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(records)
	table.Render()
}

// WriteRows 输出前 limit 行结果，列顺序沿用 columns。
func WriteRows(w io.Writer, columns []string, rows []datastore.Row, limit int) {
	if len(columns) == 0 || limit <= 0 {
		return
	}
	n := min(limit, len(rows))
	records := make([][]string, 0, n)
	for _, row := range rows[:n] {
		rec := make([]string, len(columns))
		for i, col := range columns {
			rec[i] = FormatValue(row[col])
		}
		records = append(records, rec)
	}
	WriteTable(w, columns, records)
	if len(rows) > n {
		fmt.Fprintf(w, "... 共 %d 行，仅显示前 %d 行\n", len(rows), n)
	}
}

func FormatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	s := fmt.Sprint(v)
	if len([]rune(s)) > 40 {
		s = string([]rune(s)[:37]) + "..."
	}
	return s
}
