package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

var errNotInitialized = errors.New("storage not initialized")

func (s *Storage) InsertRun(ctx context.Context, run *AnalysisRun) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if run == nil {
		return errors.New("run is nil")
	}
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RunUpdate 中为 nil 的字段不更新。
type RunUpdate struct {
	Domain       *string
	Status       *string
	Queries      *int
	Failures     *int
	Insights     *int
	Report       *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateRun(ctx context.Context, runID string, up RunUpdate) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}

	updates := make(map[string]interface{})
	if up.Domain != nil {
		updates["domain"] = *up.Domain
	}
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.Queries != nil {
		updates["queries"] = *up.Queries
	}
	if up.Failures != nil {
		updates["failures"] = *up.Failures
	}
	if up.Insights != nil {
		updates["insights"] = *up.Insights
	}
	if up.Report != nil {
		updates["report"] = *up.Report
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}

	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&AnalysisRun{}).Where("run_id = ?", runID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundError{Entity: "run", Key: runID}
	}
	return nil
}

func (s *Storage) GetRun(ctx context.Context, runID string) (*AnalysisRun, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var run AnalysisRun
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError{Entity: "run", Key: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// RunQuery 用于查询运行记录的过滤条件，零值表示不参与过滤。
type RunQuery struct {
	// Status 精确匹配运行状态。
	Status string
	// From/To 过滤 StartedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 StartedAt 倒序返回（优先返回最新运行）。
	Desc bool
}

func (s *Storage) ListRuns(ctx context.Context, q RunQuery) ([]AnalysisRun, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&AnalysisRun{})
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("started_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("started_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("started_at DESC").Order("id DESC")
	} else {
		db = db.Order("started_at ASC").Order("id ASC")
	}
	db = db.Limit(limit)

	var out []AnalysisRun
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return out, nil
}

func (s *Storage) InsertRunStep(ctx context.Context, step *RunStep) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if step == nil {
		return errors.New("run step is nil")
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
		return fmt.Errorf("insert run step: %w", err)
	}
	return nil
}

// ListRunSteps 按 (round, id) 顺序返回一次运行的全部步骤。
func (s *Storage) ListRunSteps(ctx context.Context, runID string) ([]RunStep, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out []RunStep
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("round ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query run steps: %w", err)
	}
	return out, nil
}

// PruneRuns 只保留最近 keep 次运行，同时删除被裁剪运行的步骤与审计记录。
// 每次最多删除 limit 次运行，返回删除的运行数。
func (s *Storage) PruneRuns(ctx context.Context, keep int, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	if keep < 0 {
		keep = 0
	}
	limit = normalizeDeleteLimit(limit)

	var runIDs []string
	err := s.db.WithContext(ctx).Model(&AnalysisRun{}).
		Order("started_at DESC").Order("id DESC").
		Offset(keep).Limit(limit).
		Pluck("run_id", &runIDs).Error
	if err != nil {
		return 0, fmt.Errorf("select runs to prune: %w", err)
	}
	return s.deleteRuns(ctx, runIDs)
}

// DeleteRunsBeforeLimited 删除 StartedAt < before 的运行（最多 limit 条）。
func (s *Storage) DeleteRunsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	limit = normalizeDeleteLimit(limit)

	var runIDs []string
	err := s.db.WithContext(ctx).Model(&AnalysisRun{}).
		Where("started_at < ?", before).
		Order("id ASC").Limit(limit).
		Pluck("run_id", &runIDs).Error
	if err != nil {
		return 0, fmt.Errorf("select runs before: %w", err)
	}
	return s.deleteRuns(ctx, runIDs)
}

func (s *Storage) deleteRuns(ctx context.Context, runIDs []string) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id IN ?", runIDs).Delete(&RunStep{}).Error; err != nil {
			return fmt.Errorf("delete run steps: %w", err)
		}
		if err := tx.Where("trace_id IN ?", runIDs).Delete(&AuditRecord{}).Error; err != nil {
			return fmt.Errorf("delete audit records: %w", err)
		}
		res := tx.Where("run_id IN ?", runIDs).Delete(&AnalysisRun{})
		if res.Error != nil {
			return fmt.Errorf("delete runs: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

// AuditQuery 用于查询审计记录的过滤条件。
//
// 设计原则：
//   - 所有字段都是“可选过滤条件”，零值表示不参与过滤。
//   - 时间范围使用 CreatedAt（写入时间）。
type AuditQuery struct {
	// TraceID 精确匹配运行 ID。
	TraceID string
	// Action 精确匹配调用阶段。
	Action string
	// Status 精确匹配执行状态（例如 running/success/failed）。
	Status string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 CreatedAt 倒序返回（优先返回最新记录）。
	Desc bool
}

func (s *Storage) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if rec == nil {
		return errors.New("audit record is nil")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Storage) QueryAuditRecords(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&AuditRecord{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("created_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("created_at DESC").Order("id DESC")
	} else {
		db = db.Order("created_at ASC").Order("id ASC")
	}
	db = db.Limit(limit)

	var out []AuditRecord
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

type AuditUpdate struct {
	Status       *string
	ResultJSON   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateAuditRecord(ctx context.Context, id uint64, up AuditUpdate) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}

	updates := make(map[string]interface{})
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.ResultJSON != nil {
		updates["result_json"] = *up.ResultJSON
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}

	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&AuditRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update audit record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundError{Entity: "audit record", Key: fmt.Sprint(id)}
	}
	return nil
}

// TableCounts 为各表的记录数。
type TableCounts struct {
	Runs   int64
	Steps  int64
	Audits int64
}

func (s *Storage) Counts(ctx context.Context) (TableCounts, error) {
	if s == nil || s.db == nil {
		return TableCounts{}, errNotInitialized
	}
	var c TableCounts
	db := s.db.WithContext(ctx)
	if err := db.Model(&AnalysisRun{}).Count(&c.Runs).Error; err != nil {
		return c, fmt.Errorf("count runs: %w", err)
	}
	if err := db.Model(&RunStep{}).Count(&c.Steps).Error; err != nil {
		return c, fmt.Errorf("count run steps: %w", err)
	}
	if err := db.Model(&AuditRecord{}).Count(&c.Audits).Error; err != nil {
		return c, fmt.Errorf("count audit records: %w", err)
	}
	return c, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

type notFoundError struct {
	Entity string
	Key    string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// IsNotFound 判断错误是否为记录不存在。
func IsNotFound(err error) bool {
	var nf notFoundError
	return errors.As(err, &nf)
}
