package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

var (
	ErrNotConnected     = errors.New("datastore not connected")
	ErrDatabaseNotFound = errors.New("database file not found")
	ErrNotReadOnly      = errors.New("only read-only statements are allowed")
)

type Options struct {
	// QueryTimeout 为单条查询的超时，<=0 表示不限制。
	QueryTimeout time.Duration
	// MaxRows 为单条查询保留的最大行数，0 表示不限制。
	MaxRows int
	// SampleRows 为 schema 快照中每张表的样例行数。
	SampleRows   int
	MaxOpenConns int
	// AllowCreate 允许 sqlite 目标不存在时创建新文件(仅 stage 命令使用)。
	AllowCreate bool
	Logger      *zap.Logger
}

// Connector 按连接目标打开数据源。
type Connector struct {
	opts Options
}

func NewConnector(opts Options) *Connector {
	return &Connector{opts: opts}
}

func (c *Connector) Connect(ctx context.Context, raw string) (*Source, error) {
	target, err := ParseTarget(raw)
	if err != nil {
		return nil, err
	}
	return Open(ctx, target, c.opts)
}

// Source 是一次分析会话持有的数据库连接。
type Source struct {
	target  Target
	dialect Dialect
	db      *sql.DB
	opts    Options
	logger  *zap.Logger
}

func Open(ctx context.Context, target Target, opts Options) (*Source, error) {
	dialect, err := dialectFor(target.Dialect)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	// sqlite 打开不存在的文件会静默创建空库，这里提前拦截
	if target.Dialect == DialectSQLite && !opts.AllowCreate {
		if _, err := os.Stat(target.Path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, target.Path)
		}
	}

	db, err := sql.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s datastore failed: %w", target.Dialect, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s datastore failed: %w", target.Dialect, err)
	}

	return &Source{
		target:  target,
		dialect: dialect,
		db:      db,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("dialect", target.Dialect)),
	}, nil
}

func (s *Source) Target() Target   { return s.target }
func (s *Source) Dialect() Dialect { return s.dialect }
func (s *Source) DB() *sql.DB      { return s.db }

func (s *Source) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Execute 执行一条查询并把任何失败转换为 Failure，不返回 error。
func (s *Source) Execute(ctx context.Context, query string) (out Outcome) {
	if IsStopSentinel(query) {
		return Skipped("analysis finished; no query executed")
	}

	defer func() {
		if r := recover(); r != nil {
			out = Failure(query, fmt.Sprintf("query panicked: %v", r))
		}
	}()

	if s == nil || s.db == nil {
		return Failure(query, ErrNotConnected.Error())
	}
	if strings.TrimSpace(query) == "" {
		return Failure(query, "empty query")
	}
	if !IsReadOnly(query) {
		return Failure(query, ErrNotReadOnly.Error())
	}

	if s.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	columns, rows, truncated, err := s.query(ctx, query, s.opts.MaxRows)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("query timed out after %s: %w", s.opts.QueryTimeout, err)
		}
		s.logger.Debug("query failed", zap.String("query", query), zap.Error(err))
		return Failure(query, err.Error())
	}

	s.logger.Debug("query executed",
		zap.Int("rows", len(rows)),
		zap.Bool("truncated", truncated),
		zap.Duration("elapsed", time.Since(start)))

	out = Success(query, columns, rows)
	out.Truncated = truncated
	return out
}

func (s *Source) query(ctx context.Context, query string, limit int) ([]string, []Row, bool, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, false, err
	}

	out := []Row{}
	truncated := false
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, false, err
		}
		row := make(Row, len(columns))
		for i, c := range columns {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}
	return columns, out, truncated, nil
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return v
}

var readOnlyKeywords = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"EXPLAIN":  true,
	"SHOW":     true,
	"DESCRIBE": true,
	"DESC":     true,
	"VALUES":   true,
}

var writeKeywords = []string{"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE", "REPLACE", "MERGE", "GRANT", "ATTACH"}

// IsReadOnly 判断语句是否为单条只读查询。
// 首个关键字必须属于只读集合；WITH 语句中不允许出现写关键字；不允许多语句。
// 字面量和注释中的分号、关键字不参与判断。
func IsReadOnly(query string) bool {
	q := strings.TrimSpace(MaskSQL(query))
	q = strings.TrimRight(q, "; \t\r\n")
	if q == "" || strings.Contains(q, ";") {
		return false
	}

	fields := strings.Fields(q)
	first := strings.ToUpper(strings.TrimLeft(fields[0], "("))
	if !readOnlyKeywords[first] {
		return false
	}
	if first == "WITH" {
		for _, f := range fields {
			word := strings.ToUpper(strings.Trim(f, "(),"))
			for _, w := range writeKeywords {
				if word == w {
					return false
				}
			}
		}
	}
	return true
}
