package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"github.com/wwwzy/InsightAgent/internal/storage"
	"github.com/wwwzy/InsightAgent/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

// runsCmd 管理运行历史
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "查看和清理分析运行历史",
	Long:  `提供查看运行列表、单次运行详情、数据库概况以及清理旧运行的命令。`,
}

var (
	listStatus string
	listLimit  int

	showRender bool

	keepRunCount int
	keepRunDays  int
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出最近的运行",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "显示一次运行的步骤、模型调用与报告",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "清理旧的运行记录",
	Long:  `根据保留条数或天数清理旧运行，连同其步骤与审计记录一起删除。`,
	RunE:  runRunsPrune,
}

var runsInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示运行历史数据库概况",
	RunE:  runRunsInfo,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsPruneCmd, runsInfoCmd)

	runsListCmd.Flags().StringVar(&listStatus, "status", "", "按状态过滤: running/completed/failed")
	runsListCmd.Flags().IntVar(&listLimit, "limit", 20, "最多显示的运行数")

	runsShowCmd.Flags().BoolVar(&showRender, "render", true, "用 markdown 渲染报告")

	runsPruneCmd.Flags().IntVar(&keepRunCount, "keep", 0, "保留最近的 N 次运行")
	runsPruneCmd.Flags().IntVar(&keepRunDays, "days", 0, "保留最近 N 天的运行")
}

func openStore(ctx context.Context) (*storage.Storage, error) {
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	return store, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, storage.RunQuery{Status: listStatus, Limit: listLimit, Desc: true})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("暂无运行记录。")
		return nil
	}

	records := make([][]string, 0, len(runs))
	for _, r := range runs {
		records = append(records, []string{
			r.RunID,
			r.StartedAt.Local().Format(timeLayout),
			r.Status,
			r.Domain,
			strconv.Itoa(r.Queries),
			strconv.Itoa(r.Failures),
			strconv.Itoa(r.Insights),
			r.Target,
		})
	}
	ui.WriteTable(os.Stdout, []string{"Run ID", "Started", "Status", "Domain", "Queries", "Failures", "Insights", "Target"}, records)
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	// 1. 运行概况
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		if storage.IsNotFound(err) {
			return fmt.Errorf("运行不存在: %s", args[0])
		}
		return err
	}
	fmt.Printf("Run:      %s\n", run.RunID)
	fmt.Printf("Target:   %s\n", run.Target)
	fmt.Printf("Domain:   %s\n", run.Domain)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Started:  %s\n", run.StartedAt.Local().Format(timeLayout))
	if !run.FinishedAt.IsZero() {
		fmt.Printf("Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", run.ErrorMessage)
	}

	// 2. 步骤
	steps, err := store.ListRunSteps(ctx, run.RunID)
	if err != nil {
		return err
	}
	if len(steps) > 0 {
		fmt.Println()
		records := make([][]string, 0, len(steps))
		for _, s := range steps {
			records = append(records, []string{strconv.Itoa(s.Round), s.Kind, stepDetail(s)})
		}
		ui.WriteTable(os.Stdout, []string{"Round", "Step", "Detail"}, records)
	}

	// 3. 模型调用统计
	audits, err := store.QueryAuditRecords(ctx, storage.AuditQuery{TraceID: run.RunID, Limit: 5000})
	if err != nil {
		return err
	}
	if len(audits) > 0 {
		fmt.Println()
		ui.WriteTable(os.Stdout, []string{"Action", "Calls", "Failed", "Total Latency"}, auditSummary(audits))
	}

	// 4. 报告
	if run.Report != "" {
		fmt.Println()
		fmt.Println(renderReport(run.Report, showRender))
	}
	return nil
}

func stepDetail(s storage.RunStep) string {
	var text string
	switch s.Kind {
	case storage.StepExecute:
		if s.ErrorMessage != "" {
			text = fmt.Sprintf("%s: %s", s.OutcomeKind, s.ErrorMessage)
		} else {
			text = fmt.Sprintf("%s: %d rows", s.OutcomeKind, s.RowCount)
		}
	case storage.StepSummarize:
		text = s.Content
	default:
		text = s.Query
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 100 {
		text = string(r[:97]) + "..."
	}
	return text
}

// auditSummary 按调用阶段聚合调用次数、失败数与总耗时
func auditSummary(audits []storage.AuditRecord) [][]string {
	type agg struct {
		calls, failed int
		latency       time.Duration
	}
	byAction := map[string]*agg{}
	for _, a := range audits {
		g, ok := byAction[a.Action]
		if !ok {
			g = &agg{}
			byAction[a.Action] = g
		}
		g.calls++
		if a.Status == "failed" {
			g.failed++
		}
		if !a.FinishedAt.IsZero() && !a.StartedAt.IsZero() {
			g.latency += a.FinishedAt.Sub(a.StartedAt)
		}
	}

	actions := make([]string, 0, len(byAction))
	for action := range byAction {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	records := make([][]string, 0, len(actions))
	for _, action := range actions {
		g := byAction[action]
		records = append(records, []string{action, strconv.Itoa(g.calls), strconv.Itoa(g.failed), g.latency.Round(time.Millisecond).String()})
	}
	return records
}

func renderReport(report string, render bool) string {
	if !render {
		return report
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return report
	}
	out, err := r.Render("# 分析报告\n\n" + report)
	if err != nil {
		return report
	}
	return strings.TrimRight(out, "\n")
}

func runRunsPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if keepRunCount <= 0 && keepRunDays <= 0 {
		_ = cmd.Usage()
		return fmt.Errorf("必须指定 --keep 或 --days")
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var deletedCount int64

	// 单批删除有上限，循环直到没有可删除的运行
	if keepRunCount > 0 {
		fmt.Printf("正在清理运行记录，保留最近 %d 次...\n", keepRunCount)
		for {
			n, err := store.PruneRuns(ctx, keepRunCount, 0)
			if err != nil {
				return fmt.Errorf("按条数清理失败: %w", err)
			}
			deletedCount += n
			if n == 0 {
				break
			}
		}
	}

	if keepRunDays > 0 {
		before := time.Now().UTC().AddDate(0, 0, -keepRunDays)
		fmt.Printf("正在清理 %d 天前的运行记录 (早于 %s)...\n", keepRunDays, before.Format(time.RFC3339))
		for {
			n, err := store.DeleteRunsBeforeLimited(ctx, before, 0)
			if err != nil {
				return fmt.Errorf("按天数清理失败: %w", err)
			}
			deletedCount += n
			if n == 0 {
				break
			}
		}
	}

	fmt.Printf("清理完成，共删除 %d 次运行。\n", deletedCount)
	if counts, err := store.Counts(ctx); err == nil {
		fmt.Printf("剩余运行: %d\n", counts.Runs)
	}
	return nil
}

func runRunsInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// 1. 数据库文件信息
	dbPath := cfg.Storage.Path
	if !filepath.IsAbs(dbPath) {
		if absPath, err := filepath.Abs(dbPath); err == nil {
			dbPath = absPath
		}
	}

	var dbSizeStr string
	info, err := os.Stat(dbPath)
	switch {
	case os.IsNotExist(err):
		dbSizeStr = "Not Found (Will be created on first run)"
	case err != nil:
		dbSizeStr = fmt.Sprintf("Error: %v", err)
	default:
		dbSizeStr = fmt.Sprintf("%.2f MB (%s)", float64(info.Size())/1024/1024, dbPath)
	}
	fmt.Printf("Database File: %s\n\n", dbSizeStr)

	// 2. 记录数
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	ui.WriteTable(os.Stdout, []string{"Table", "Count"}, [][]string{
		{"AnalysisRuns", strconv.FormatInt(counts.Runs, 10)},
		{"RunSteps", strconv.FormatInt(counts.Steps, 10)},
		{"AuditRecords", strconv.FormatInt(counts.Audits, 10)},
	})
	return nil
}
