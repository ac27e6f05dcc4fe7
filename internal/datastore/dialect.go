package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
)

// Dialect 封装不同数据库在元数据查询与标识符引用上的差异。
type Dialect interface {
	Name() string
	ListTables(ctx context.Context, db *sql.DB) ([]string, error)
	Columns(ctx context.Context, db *sql.DB, table string) ([]Column, error)
	ForeignKeys(ctx context.Context, db *sql.DB, table string) ([]ForeignKey, error)
	QuoteIdent(name string) string
	// Placeholder 返回第 n 个(从 1 开始)绑定参数的占位符。
	Placeholder(n int) string
	// ColumnType 把推断出的列类型映射为本方言的建表类型。
	ColumnType(kind ValueKind) string
}

func dialectFor(name string) (Dialect, error) {
	switch name {
	case DialectSQLite:
		return sqliteDialect{}, nil
	case DialectPostgres:
		return postgresDialect{}, nil
	case DialectMySQL:
		return mysqlDialect{}, nil
	case DialectClickHouse:
		return clickhouseDialect{}, nil
	}
	return nil, fmt.Errorf("%w: dialect %q", ErrUnsupportedTarget, name)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return DialectSQLite }

func (sqliteDialect) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
}

func (sqliteDialect) Columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	return queryColumns(ctx, db, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, table)
}

func (sqliteDialect) ForeignKeys(ctx context.Context, db *sql.DB, table string) ([]ForeignKey, error) {
	// "to" 为 NULL 时外键引用父表主键，按主键序号取列名
	return queryForeignKeys(ctx, db, `SELECT CAST(fk.id AS TEXT), fk."from", fk."table",
  COALESCE(fk."to", (SELECT p.name FROM pragma_table_info(fk."table") p WHERE p.pk = fk.seq + 1), '')
FROM pragma_foreign_key_list(?) fk
ORDER BY fk.id, fk.seq`, table)
}

func (sqliteDialect) QuoteIdent(name string) string { return doubleQuote(name) }
func (sqliteDialect) Placeholder(int) string        { return "?" }

func (sqliteDialect) ColumnType(kind ValueKind) string {
	switch kind {
	case KindInteger:
		return "INTEGER"
	case KindReal:
		return "REAL"
	}
	return "TEXT"
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return DialectPostgres }

func (postgresDialect) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name`)
}

func (postgresDialect) Columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	return queryColumns(ctx, db, `SELECT column_name, data_type FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`, table)
}

func (postgresDialect) ForeignKeys(ctx context.Context, db *sql.DB, table string) ([]ForeignKey, error) {
	return queryForeignKeys(ctx, db, `SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = current_schema() AND tc.table_name = $1
ORDER BY tc.constraint_name, kcu.ordinal_position`, table)
}

func (postgresDialect) QuoteIdent(name string) string { return doubleQuote(name) }
func (postgresDialect) Placeholder(n int) string      { return fmt.Sprintf("$%d", n) }

func (postgresDialect) ColumnType(kind ValueKind) string {
	switch kind {
	case KindInteger:
		return "BIGINT"
	case KindReal:
		return "DOUBLE PRECISION"
	}
	return "TEXT"
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return DialectMySQL }

func (mysqlDialect) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, `SELECT table_name FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
ORDER BY table_name`)
}

func (mysqlDialect) Columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	return queryColumns(ctx, db, `SELECT column_name, column_type FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY ordinal_position`, table)
}

func (mysqlDialect) ForeignKeys(ctx context.Context, db *sql.DB, table string) ([]ForeignKey, error) {
	return queryForeignKeys(ctx, db, `SELECT constraint_name, column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND table_name = ? AND referenced_table_name IS NOT NULL
ORDER BY constraint_name, ordinal_position`, table)
}

func (mysqlDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
func (mysqlDialect) Placeholder(int) string { return "?" }

func (mysqlDialect) ColumnType(kind ValueKind) string {
	switch kind {
	case KindInteger:
		return "BIGINT"
	case KindReal:
		return "DOUBLE"
	}
	return "TEXT"
}

// clickhouseDialect 没有外键概念，ForeignKeys 始终为空。
type clickhouseDialect struct{}

func (clickhouseDialect) Name() string { return DialectClickHouse }

func (clickhouseDialect) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, `SELECT name FROM system.tables
WHERE database = currentDatabase() AND is_temporary = 0
ORDER BY name`)
}

func (clickhouseDialect) Columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	return queryColumns(ctx, db, `SELECT name, type FROM system.columns
WHERE database = currentDatabase() AND table = ?
ORDER BY position`, table)
}

func (clickhouseDialect) ForeignKeys(context.Context, *sql.DB, string) ([]ForeignKey, error) {
	return nil, nil
}

func (clickhouseDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}
func (clickhouseDialect) Placeholder(int) string { return "?" }

func (clickhouseDialect) ColumnType(kind ValueKind) string {
	switch kind {
	case KindInteger:
		return "Int64"
	case KindReal:
		return "Float64"
	}
	return "String"
}

func doubleQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func queryColumns(ctx context.Context, db *sql.DB, query, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// queryForeignKeys 读取 (约束名, 本表列, 引用表, 引用列) 四元组，并按约束名聚合成多列外键。
func queryForeignKeys(ctx context.Context, db *sql.DB, query, table string) ([]ForeignKey, error) {
	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out   []ForeignKey
		index = map[string]int{}
	)
	for rows.Next() {
		var name, column, referred, referredColumn string
		if err := rows.Scan(&name, &column, &referred, &referredColumn); err != nil {
			return nil, err
		}
		i, ok := index[name]
		if !ok {
			out = append(out, ForeignKey{ReferredTable: referred})
			i = len(out) - 1
			index[name] = i
		}
		fk := &out[i]
		if !slices.Contains(fk.ConstrainedColumns, column) {
			fk.ConstrainedColumns = append(fk.ConstrainedColumns, column)
		}
		if referredColumn != "" && !slices.Contains(fk.ReferredColumns, referredColumn) {
			fk.ReferredColumns = append(fk.ReferredColumns, referredColumn)
		}
	}
	return out, rows.Err()
}
