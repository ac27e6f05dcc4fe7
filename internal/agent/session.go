package agent

import (
	"context"

	"github.com/wwwzy/InsightAgent/internal/datastore"
	"github.com/wwwzy/InsightAgent/internal/retrieval"
)

// Session 是一次运行持有的数据源句柄。
// Execute 不返回 error：任何失败都以 Failure 结果表示。
type Session interface {
	Snapshot(ctx context.Context) (datastore.Snapshot, error)
	Execute(ctx context.Context, query string) datastore.Outcome
	Close() error
}

// Connector 按连接目标打开 Session。
type Connector interface {
	Connect(ctx context.Context, target string) (Session, error)
}

type ConnectorFunc func(ctx context.Context, target string) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, target string) (Session, error) {
	return f(ctx, target)
}

// DatastoreConnector 把 datastore.Connector 适配为 Connector。
func DatastoreConnector(c *datastore.Connector) Connector {
	return ConnectorFunc(func(ctx context.Context, target string) (Session, error) {
		src, err := c.Connect(ctx, target)
		if err != nil {
			// 避免把 (*Source)(nil) 包成非 nil 接口
			return nil, err
		}
		return src, nil
	})
}

// PlanSource 为 schema 分类领域并取回参考方案。
type PlanSource interface {
	ReferencePlan(ctx context.Context, snap datastore.Snapshot) (retrieval.Plan, error)
}

type PlanSourceFunc func(ctx context.Context, snap datastore.Snapshot) (retrieval.Plan, error)

func (f PlanSourceFunc) ReferencePlan(ctx context.Context, snap datastore.Snapshot) (retrieval.Plan, error) {
	return f(ctx, snap)
}
