package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"antitheft-alarm/internal/models"

	"go.uber.org/zap"
)

// HistoryRepository 检测历史仓库（PostgreSQL detection_history）
type HistoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewHistoryRepository 创建检测历史仓库
func NewHistoryRepository(db *sql.DB, logger *zap.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logger,
	}
}

const createHistoryTable = `
	CREATE TABLE IF NOT EXISTS detection_history (
		log_id      TEXT PRIMARY KEY,
		owner_email TEXT NOT NULL,
		device_id   TEXT,
		image_name  TEXT,
		image_url   TEXT,
		message     TEXT NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_detection_history_owner
		ON detection_history (owner_email, detected_at DESC);
`

// EnsureSchema 创建表（已存在则跳过）
func (r *HistoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("failed to create detection_history: %w", err)
	}
	return nil
}

// Insert 写入一条历史记录，log_id 已存在时跳过（重复投递幂等）
// 返回是否插入了新行
func (r *HistoryRepository) Insert(ctx context.Context, entry *models.HistoryEntry) (bool, error) {
	query := `
		INSERT INTO detection_history (
			log_id, owner_email, device_id, image_name, image_url, message, detected_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (log_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		entry.LogID,
		entry.OwnerEmail,
		entry.DeviceID,
		entry.ImageName,
		entry.ImageURL,
		entry.Message,
		entry.DetectedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert history %s: %w", entry.LogID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListByOwner 查询 owner 的检测历史（按时间倒序）
// since 为零值时不限制开始时间；limit<=0 时使用默认 500
func (r *HistoryRepository) ListByOwner(ctx context.Context, email string, since time.Time, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT log_id, owner_email, device_id, image_name, image_url, message, detected_at
		FROM detection_history
		WHERE owner_email = $1 AND detected_at >= $2
		ORDER BY detected_at DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, email, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var deviceID, imageName, imageURL sql.NullString
		if err := rows.Scan(
			&e.LogID,
			&e.OwnerEmail,
			&deviceID,
			&imageName,
			&imageURL,
			&e.Message,
			&e.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.DeviceID = deviceID.String
		e.ImageName = imageName.String
		e.ImageURL = imageURL.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return entries, nil
}
