package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"antitheft-alarm/internal/common/config"

	_ "github.com/lib/pq"
)

// pingTimeout 启动时检测数据库连接的超时时间
const pingTimeout = 5 * time.Second

// NewPostgresDB 打开检测历史库（PostgreSQL）并确认可连接
// 连接失败时关闭已打开的连接池
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configurePool(db, cfg)

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return db, nil
}

// configurePool 设置连接池参数；0 表示使用 database/sql 默认值
func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Close 关闭数据库连接（db 为空时忽略，历史功能关闭时不会建立连接）
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
