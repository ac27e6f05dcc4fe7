package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/wwwzy/InsightAgent/internal/storage"
	"gorm.io/gorm"
)

func main() {
	path := flag.String("db", "insightagent.db", "run history database")
	flag.Parse()

	// Connect to the database
	db, err := gorm.Open(sqlite.Open(*path), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	fmt.Println("--- Verifying InsightAgent Database ---")

	// Verify AnalysisRuns
	if !db.Migrator().HasTable(&storage.AnalysisRun{}) {
		fmt.Println("Table 'analysis_runs' does not exist yet.")
		return
	}
	var runsCount int64
	db.Model(&storage.AnalysisRun{}).Count(&runsCount)
	fmt.Printf("Total Analysis Runs: %d\n", runsCount)

	var runs []storage.AnalysisRun
	db.Order("started_at desc").Limit(5).Find(&runs)
	if len(runs) > 0 {
		fmt.Println("Latest 5 Runs (Local Time):")
	}
	for _, r := range runs {
		fmt.Printf("  [%s] %s %-9s queries:%d failures:%d insights:%d\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.RunID, r.Status, r.Queries, r.Failures, r.Insights)
	}

	fmt.Println("\n------------------------------------")

	// Verify RunSteps of the latest run
	if len(runs) == 0 || !db.Migrator().HasTable(&storage.RunStep{}) {
		return
	}
	var steps []storage.RunStep
	db.Where("run_id = ?", runs[0].RunID).Order("round asc, id asc").Find(&steps)
	fmt.Printf("Steps of %s: %d\n", runs[0].RunID, len(steps))
	for _, s := range steps {
		text := s.Query
		if s.Kind == storage.StepSummarize {
			text = s.Content
		}
		if len(text) > 60 {
			text = text[:57] + "..."
		}
		fmt.Printf("  #%d %-9s %s\n", s.Round, s.Kind, text)
	}

	// Verify AuditRecords
	var auditCount int64
	db.Model(&storage.AuditRecord{}).Where("trace_id = ?", runs[0].RunID).Count(&auditCount)
	fmt.Printf("LLM calls of %s: %d\n", runs[0].RunID, auditCount)
}
