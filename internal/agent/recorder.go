package agent

import (
	"context"
	"time"

	"github.com/wwwzy/InsightAgent/internal/datastore"
	"github.com/wwwzy/InsightAgent/internal/storage"
)

// Recorder 持久化运行历史。记录失败只告警，不影响分析。
type Recorder interface {
	StartRun(ctx context.Context, st AgentState) error
	RecordStep(ctx context.Context, step storage.RunStep) error
	FinishRun(ctx context.Context, st AgentState, runErr error) error
}

// RunStore 是 Recorder 需要的存储能力，*storage.Storage 满足该接口。
type RunStore interface {
	InsertRun(ctx context.Context, run *storage.AnalysisRun) error
	UpdateRun(ctx context.Context, runID string, up storage.RunUpdate) error
	InsertRunStep(ctx context.Context, step *storage.RunStep) error
}

type StoreRecorder struct {
	store RunStore
}

func NewStoreRecorder(store RunStore) *StoreRecorder {
	return &StoreRecorder{store: store}
}

func (r *StoreRecorder) StartRun(ctx context.Context, st AgentState) error {
	return r.store.InsertRun(ctx, &storage.AnalysisRun{
		RunID:     st.RunID,
		Target:    redactTarget(st.ConnectionTarget),
		Status:    storage.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	})
}

func (r *StoreRecorder) RecordStep(ctx context.Context, step storage.RunStep) error {
	return r.store.InsertRunStep(ctx, &step)
}

func (r *StoreRecorder) FinishRun(ctx context.Context, st AgentState, runErr error) error {
	status := storage.RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = storage.RunStatusFailed
		e := truncate(runErr.Error(), auditTruncateLimit)
		errMsg = &e
	}
	queries, failures, insights := st.Queries(), st.Failures(), len(st.Insights)
	finished := time.Now().UTC()
	return r.store.UpdateRun(ctx, st.RunID, storage.RunUpdate{
		Domain:       &st.Domain,
		Status:       &status,
		Queries:      &queries,
		Failures:     &failures,
		Insights:     &insights,
		Report:       &st.Report,
		ErrorMessage: errMsg,
		FinishedAt:   &finished,
	})
}

type nopRecorder struct{}

func (nopRecorder) StartRun(context.Context, AgentState) error { return nil }
func (nopRecorder) RecordStep(context.Context, storage.RunStep) error { return nil }
func (nopRecorder) FinishRun(context.Context, AgentState, error) error { return nil }

func redactTarget(raw string) string {
	t, err := datastore.ParseTarget(raw)
	if err != nil {
		return raw
	}
	return t.Redacted()
}
