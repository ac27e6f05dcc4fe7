package datastore

import (
	"context"
	"encoding/json"
	"fmt"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ForeignKey struct {
	ConstrainedColumns []string `json:"constrained_columns"`
	ReferredTable      string   `json:"referred_table"`
	ReferredColumns    []string `json:"referred_columns"`
}

type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
	SampleRows  []Row        `json:"sample_rows"`
}

// Snapshot 是启动时反射得到的只读 schema 描述。
type Snapshot struct {
	Dialect string  `json:"dialect"`
	Tables  []Table `json:"tables"`
}

// Table 按名称查找表。
func (s Snapshot) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	return names
}

// JSON 返回适合放进提示词的缩进 JSON。
func (s Snapshot) JSON() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Snapshot 反射所有表的列、外键和前 SampleRows 行样例数据。
func (s *Source) Snapshot(ctx context.Context) (Snapshot, error) {
	if s == nil || s.db == nil {
		return Snapshot{}, ErrNotConnected
	}

	names, err := s.dialect.ListTables(ctx, s.db)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list tables failed: %w", err)
	}

	snap := Snapshot{Dialect: s.dialect.Name(), Tables: make([]Table, 0, len(names))}
	for _, name := range names {
		table := Table{Name: name, ForeignKeys: []ForeignKey{}, SampleRows: []Row{}}

		// 1. 列
		table.Columns, err = s.dialect.Columns(ctx, s.db, name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read columns of %s failed: %w", name, err)
		}

		// 2. 外键
		fks, err := s.dialect.ForeignKeys(ctx, s.db, name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read foreign keys of %s failed: %w", name, err)
		}
		if fks != nil {
			table.ForeignKeys = fks
		}

		// 3. 样例数据
		if s.opts.SampleRows > 0 {
			query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", s.dialect.QuoteIdent(name), s.opts.SampleRows)
			_, rows, _, err := s.query(ctx, query, s.opts.SampleRows)
			if err != nil {
				return Snapshot{}, fmt.Errorf("sample rows of %s failed: %w", name, err)
			}
			table.SampleRows = rows
		}

		snap.Tables = append(snap.Tables, table)
	}

	s.logger.Debug("schema snapshot ready")
	return snap, nil
}
