package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
)

// DriverName 是纯 Go SQLite 驱动注册的名称。
const DriverName = "sqlite"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
		identifier TEXT PRIMARY KEY,
		expires INTEGER NOT NULL,
		content BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cache_entries_expires_idx ON cache_entries (expires)`,
	`CREATE TABLE IF NOT EXISTS cache_tags (
		identifier TEXT NOT NULL,
		tag TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cache_tags_tag_idx ON cache_tags (tag)`,
	`CREATE INDEX IF NOT EXISTS cache_tags_identifier_idx ON cache_tags (identifier)`,
	`CREATE TABLE IF NOT EXISTS warmup_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identifier TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		claim TEXT NOT NULL DEFAULT '',
		claimed_at INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS warmup_queue_claim_idx ON warmup_queue (claim, id)`,
	`CREATE INDEX IF NOT EXISTS warmup_queue_identifier_idx ON warmup_queue (identifier)`,
}

// Open 打开（必要时创建）索引数据库并执行建表。
// 连接池限制为单连接：SQLite 写入本就串行，单连接可避免 SQLITE_BUSY。
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("index path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, stmt := range append(pragmas, schema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate index: %w", err)
		}
	}
	return db, nil
}
