package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"fenyr-trader/internal/config"
)

// pragmas 在建连后立即执行，WAL 允许审计查询与周期写入并行。
var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
}

// migrations 定义本系统落盘的全部表结构：合规审计记录与日度净值。
// 语句必须幂等，启动时按序执行。
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS compliance_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		schema_version INTEGER NOT NULL,
		stage TEXT NOT NULL,
		symbol TEXT NOT NULL,
		model_identifier TEXT,
		input_snapshot TEXT NOT NULL,
		output_snapshot TEXT NOT NULL,
		rationale TEXT,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_stage ON compliance_records(stage);`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_symbol ON compliance_records(symbol);`,
	`CREATE TABLE IF NOT EXISTS daily_equity (
		trading_date TEXT PRIMARY KEY,
		start_equity REAL NOT NULL,
		current_equity REAL NOT NULL,
		halted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);`,
}

// Store 封装 SQLite 连接并负责表结构初始化。
type Store struct {
	db *sql.DB
}

// NewSQLite 打开数据库、应用 PRAGMA 并完成全部迁移。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("执行 %q 失败: %w", pragma, err)
		}
	}

	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Store{db: conn}, nil
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.InMemory {
		return ":memory:?" + connOptions(), nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("创建目录 %q 失败: %w", dir, err)
		}
	}
	return cfg.Path + "?" + connOptions(), nil
}

func connOptions() string {
	opts := url.Values{}
	opts.Set("_busy_timeout", "5000")
	opts.Set("_foreign_keys", "on")
	return opts.Encode()
}

func migrate(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("执行第 %d 条迁移失败: %w", i+1, err)
		}
	}
	return nil
}
