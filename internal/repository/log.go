package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogRepository 检测日志（logs/{logId}），只追加
type LogRepository struct {
	store  Store
	logger *zap.Logger
}

// NewLogRepository 创建日志仓库
func NewLogRepository(store Store, logger *zap.Logger) *LogRepository {
	return &LogRepository{
		store:  store,
		logger: logger,
	}
}

// Append 追加一条检测日志，返回生成的日志 ID
// 日志以原始字段写入，保留设备上报的全部内容
func (r *LogRepository) Append(ctx context.Context, fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("empty detection log")
	}
	id, err := r.store.Push(ctx, collectionLogs, fields)
	if err != nil {
		return "", fmt.Errorf("failed to append log: %w", err)
	}
	r.logger.Debug("Detection log appended", zap.String("log_id", id))
	return id, nil
}
