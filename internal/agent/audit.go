package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/InsightAgent/internal/storage"
)

const (
	auditTruncateLimit = 2048
)

// AuditStore 是审计需要的存储能力，*storage.Storage 满足该接口。
type AuditStore interface {
	InsertAuditRecord(ctx context.Context, rec *storage.AuditRecord) error
	UpdateAuditRecord(ctx context.Context, id uint64, up storage.AuditUpdate) error
}

// AuditedChatModel 是一个模型包装器，用于在每次模型调用前后记录审计日志与指标
type AuditedChatModel struct {
	impl  model.BaseChatModel
	store AuditStore
}

var _ model.BaseChatModel = (*AuditedChatModel)(nil)

// WrapWithAudit store 为 nil 时只记录指标，不写审计表
func WrapWithAudit(cm model.BaseChatModel, store AuditStore) *AuditedChatModel {
	return &AuditedChatModel{impl: cm, store: store}
}

func (m *AuditedChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	// 1. 准备审计记录，Action 为调用阶段
	stage := GetStage(ctx)
	now := time.Now().UTC()
	record := &storage.AuditRecord{
		TraceID:    GetTraceID(ctx),
		Action:     "llm." + stage,
		ParamsJSON: truncate(messagesJSON(input), auditTruncateLimit),
		Status:     "running",
		StartedAt:  now,
	}

	// 2. 插入初始记录（Status=running），失败只告警
	if m.store != nil {
		if err := m.store.InsertAuditRecord(ctx, record); err != nil {
			fmt.Printf("[WARN] Failed to insert audit record: %v\n", err)
		}
	}

	// 3. 调用模型
	resp, callErr := m.impl.Generate(ctx, input, opts...)

	// 4. 指标
	finishedAt := time.Now().UTC()
	status := "success"
	if callErr != nil {
		status = "failed"
	}
	llmCallsTotal.WithLabelValues(stage, status).Inc()
	llmCallDuration.WithLabelValues(stage).Observe(finishedAt.Sub(now).Seconds())

	// 5. 更新审计记录
	if m.store != nil && record.ID != 0 {
		var errMsg *string
		var resultJSON *string
		if callErr != nil {
			e := truncate(callErr.Error(), auditTruncateLimit)
			errMsg = &e
		} else if resp != nil {
			r := truncate(resp.Content, auditTruncateLimit)
			resultJSON = &r
		}
		update := storage.AuditUpdate{
			Status:       &status,
			ResultJSON:   resultJSON,
			ErrorMessage: errMsg,
			FinishedAt:   &finishedAt,
		}
		if err := m.store.UpdateAuditRecord(ctx, record.ID, update); err != nil {
			fmt.Printf("[WARN] Failed to update audit record: %v\n", err)
		}
	}

	return resp, callErr
}

// Stream 不经过控制循环，直接透传
func (m *AuditedChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return m.impl.Stream(ctx, input, opts...)
}

func messagesJSON(msgs []*schema.Message) string {
	type entry struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	out := make([]entry, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		out = append(out, entry{Role: string(msg.Role), Content: msg.Content})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return string(data)
}
