package datastore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var (
	ErrUnsupportedFile    = errors.New("unsupported staging file")
	ErrStagingUnsupported = errors.New("staging is not supported for this datastore")
)

type ValueKind int

const (
	KindText ValueKind = iota
	KindInteger
	KindReal
)

// Dataset 是一张待导入的二维表: 第一行为表头。
type Dataset struct {
	Name   string
	Header []string
	Rows   [][]string
}

type StagedTable struct {
	Name    string
	Columns []Column
	Rows    int
}

// ReadDatasets 读取 .xlsx(每个 sheet 一张表) 或 .csv(以文件名为表名)。
func ReadDatasets(path string) ([]Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return readWorkbook(path)
	case ".csv":
		ds, err := readCSV(path)
		if err != nil {
			return nil, err
		}
		return []Dataset{ds}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
}

func readWorkbook(path string) ([]Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook failed: %w", err)
	}
	defer f.Close()

	var out []Dataset
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s failed: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		out = append(out, newDataset(sheet, rows))
	}
	return out, nil
}

func readCSV(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("open csv failed: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var records [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Dataset{}, fmt.Errorf("read csv failed: %w", err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return Dataset{}, fmt.Errorf("%w: %s is empty", ErrUnsupportedFile, path)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return newDataset(name, records), nil
}

// newDataset 以首行为表头；数据行比表头宽时补齐表头，多出的列命名为 column_N。
func newDataset(name string, records [][]string) Dataset {
	width := 0
	for _, rec := range records {
		width = max(width, len(rec))
	}
	raw := make([]string, width)
	copy(raw, records[0])
	header := normalizeHeader(raw)
	rows := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]string, len(header))
		copy(row, rec)
		rows = append(rows, row)
	}
	return Dataset{Name: name, Header: header, Rows: rows}
}

// normalizeHeader 补齐空列名并为重复列名追加序号。
func normalizeHeader(raw []string) []string {
	seen := map[string]int{}
	out := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[h]; n > 0 {
			seen[h] = n + 1
			h = fmt.Sprintf("%s_%d", h, n+1)
		} else {
			seen[h] = 1
		}
		out[i] = h
	}
	return out
}

// InferKinds 为每一列推断类型: 全部非空值可解析为整数 -> INTEGER，可解析为浮点 -> REAL，否则 TEXT。
func InferKinds(ds Dataset) []ValueKind {
	kinds := make([]ValueKind, len(ds.Header))
	for col := range ds.Header {
		isInt, isReal, nonEmpty := true, true, false
		for _, row := range ds.Rows {
			v := strings.TrimSpace(row[col])
			if v == "" {
				continue
			}
			nonEmpty = true
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isReal = false
			}
		}
		switch {
		case nonEmpty && isInt:
			kinds[col] = KindInteger
		case nonEmpty && isReal:
			kinds[col] = KindReal
		default:
			kinds[col] = KindText
		}
	}
	return kinds
}

// Stager 把表格文件导入目标数据库，已存在的同名表会被替换。
type Stager struct {
	src    *Source
	logger *zap.Logger
}

func NewStager(src *Source) *Stager {
	logger := zap.NewNop()
	if src != nil && src.logger != nil {
		logger = src.logger
	}
	return &Stager{src: src, logger: logger}
}

func (st *Stager) StageFile(ctx context.Context, path string) ([]StagedTable, error) {
	datasets, err := ReadDatasets(path)
	if err != nil {
		return nil, err
	}
	out := make([]StagedTable, 0, len(datasets))
	for _, ds := range datasets {
		t, err := st.Load(ctx, ds)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (st *Stager) Load(ctx context.Context, ds Dataset) (StagedTable, error) {
	if st.src == nil || st.src.db == nil {
		return StagedTable{}, ErrNotConnected
	}
	d := st.src.dialect
	if d.Name() == DialectClickHouse {
		return StagedTable{}, ErrStagingUnsupported
	}

	kinds := InferKinds(ds)
	table := StagedTable{Name: ds.Name, Columns: make([]Column, len(ds.Header))}
	defs := make([]string, len(ds.Header))
	quoted := make([]string, len(ds.Header))
	holders := make([]string, len(ds.Header))
	for i, h := range ds.Header {
		typ := d.ColumnType(kinds[i])
		table.Columns[i] = Column{Name: h, Type: typ}
		quoted[i] = d.QuoteIdent(h)
		defs[i] = quoted[i] + " " + typ
		holders[i] = d.Placeholder(i + 1)
	}

	tx, err := st.src.db.BeginTx(ctx, nil)
	if err != nil {
		return StagedTable{}, fmt.Errorf("begin staging transaction failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	name := d.QuoteIdent(ds.Name)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return StagedTable{}, fmt.Errorf("drop table %s failed: %w", ds.Name, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(defs, ", "))); err != nil {
		return StagedTable{}, fmt.Errorf("create table %s failed: %w", ds.Name, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		name, strings.Join(quoted, ", "), strings.Join(holders, ", ")))
	if err != nil {
		return StagedTable{}, fmt.Errorf("prepare insert failed: %w", err)
	}
	defer stmt.Close()

	for _, row := range ds.Rows {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = convertCell(v, kinds[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return StagedTable{}, fmt.Errorf("insert into %s failed: %w", ds.Name, err)
		}
		table.Rows++
	}

	if err := tx.Commit(); err != nil {
		return StagedTable{}, fmt.Errorf("commit staging failed: %w", err)
	}
	st.logger.Info("table staged", zap.String("table", ds.Name), zap.Int("rows", table.Rows))
	return table, nil
}

func convertCell(v string, kind ValueKind) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	switch kind {
	case KindInteger:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case KindReal:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
