package repository

import (
	"context"
	"fmt"

	"antitheft-alarm/internal/models"
	"antitheft-alarm/internal/rtdb"

	"go.uber.org/zap"
)

// DetectedRepository 每个 owner 最近一次检测事件（detected/{emailKey}）
type DetectedRepository struct {
	store  Store
	logger *zap.Logger
}

// NewDetectedRepository 创建检测事件仓库
func NewDetectedRepository(store Store, logger *zap.Logger) *DetectedRepository {
	return &DetectedRepository{
		store:  store,
		logger: logger,
	}
}

// Put 覆盖写入 owner 的最近检测事件
func (r *DetectedRepository) Put(ctx context.Context, email string, event *models.DetectedEvent) error {
	path, ok := recordPath(collectionDetected, models.EmailKey(email))
	if !ok {
		return fmt.Errorf("%w: owner email %q", rtdb.ErrInvalidPath, email)
	}
	if err := r.store.Set(ctx, path, event); err != nil {
		return fmt.Errorf("failed to write detected event for %s: %w", email, err)
	}
	return nil
}

// Get 读取 owner 的最近检测事件
func (r *DetectedRepository) Get(ctx context.Context, email string) (*models.DetectedEvent, error) {
	path, ok := recordPath(collectionDetected, models.EmailKey(email))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, email)
	}

	snap, err := r.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read detected event for %s: %w", email, err)
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, email)
	}

	var event models.DetectedEvent
	if err := snap.Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to decode detected event for %s: %w", email, err)
	}
	return &event, nil
}
