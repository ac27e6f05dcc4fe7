package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config 描述运行历史库。InMemory 为 true 时忽略 Path，多用于测试。
type Config struct {
	Path            string        `mapstructure:"path"`
	InMemory        bool          `mapstructure:"in_memory"`
	EnableWAL       bool          `mapstructure:"enable_wal"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// SlowThreshold 以上的语句按 Warn 记录，0 表示不记录慢查询。
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
	// Logger 为空时丢弃 gorm 日志。
	Logger *zap.Logger `mapstructure:"-"`
}

// Storage 保存分析运行、运行步骤与模型调用审计记录。
type Storage struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Open 打开(必要时创建)运行历史库并迁移表结构。
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// 1. gorm 连接，日志交给 zap
	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	gormLog := NewZapLogger(cfg.Logger)
	gormLog.SlowThreshold = cfg.SlowThreshold
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open run history %s: %w", describe(cfg), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	applyPool(sqlDB, cfg)
	s := &Storage{db: db, sqlDB: sqlDB}

	// 2. pragma
	pragmas := []string{"PRAGMA foreign_keys=ON;"}
	if cfg.EnableWAL && !cfg.InMemory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL;"}, pragmas...)
	}
	for _, p := range pragmas {
		if err := s.db.WithContext(ctx).Exec(p).Error; err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	// 3. 迁移并确认可用
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func applyPool(sqlDB *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func describe(cfg Config) string {
	if cfg.InMemory {
		return "(in memory)"
	}
	return cfg.Path
}

func (s *Storage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return errNotInitialized
	}
	return s.sqlDB.PingContext(ctx)
}

// Migrate 创建或升级运行历史的三张表。
func (s *Storage) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if err := s.db.WithContext(ctx).AutoMigrate(&AnalysisRun{}, &RunStep{}, &AuditRecord{}); err != nil {
		return fmt.Errorf("migrate run history: %w", err)
	}
	return nil
}

func (s *Storage) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func dsnFromConfig(cfg Config) (string, error) {
	timeoutMS := int(cfg.BusyTimeout / time.Millisecond)
	if timeoutMS <= 0 {
		timeoutMS = 5000
	}

	if cfg.InMemory {
		return fmt.Sprintf("file:insightagent?mode=memory&cache=shared&_busy_timeout=%d", timeoutMS), nil
	}
	if cfg.Path == "" {
		return "", errors.New("storage.path is required unless storage.in_memory is set")
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, timeoutMS), nil
}
