package repository

import (
	"context"
	"errors"
	"fmt"

	"antitheft-alarm/internal/config"
	"antitheft-alarm/internal/rtdb"

	"go.uber.org/zap"
)

// ErrDeviceRequired 按设备记录报警状态时缺少设备 ID
var ErrDeviceRequired = errors.New("device id required for per-device alarm state")

// SystemStatusRepository 报警状态仓库（system_status）
type SystemStatusRepository struct {
	store  Store
	scope  string
	logger *zap.Logger
}

// NewSystemStatusRepository 创建报警状态仓库
// scope: config.ScopeGlobal 或 config.ScopeDevice
func NewSystemStatusRepository(store Store, scope string, logger *zap.Logger) *SystemStatusRepository {
	if scope == "" {
		scope = config.ScopeGlobal
	}
	return &SystemStatusRepository{
		store:  store,
		scope:  scope,
		logger: logger,
	}
}

// Scope 返回写入范围
func (r *SystemStatusRepository) Scope() string {
	return r.scope
}

// AlarmPath 返回报警状态的存储路径
func (r *SystemStatusRepository) AlarmPath(deviceID string) (string, error) {
	if r.scope != config.ScopeDevice {
		return rtdb.JoinPath(collectionSystemStatus, "alarm_active"), nil
	}
	if deviceID == "" {
		return "", ErrDeviceRequired
	}
	if err := rtdb.ValidateKey(deviceID); err != nil {
		return "", fmt.Errorf("%w: device %q", rtdb.ErrInvalidPath, deviceID)
	}
	return rtdb.JoinPath(collectionSystemStatus, "devices", deviceID, "alarm_active"), nil
}

// SetAlarmActiveIfNeeded 仅在当前值不同（或不存在）时写入 desired，返回是否发生写入
func (r *SystemStatusRepository) SetAlarmActiveIfNeeded(ctx context.Context, deviceID string, desired bool) (bool, error) {
	path, err := r.AlarmPath(deviceID)
	if err != nil {
		return false, err
	}

	written, err := r.store.Transaction(ctx, path, func(current any) (any, bool) {
		if b, ok := current.(bool); ok && b == desired {
			return nil, false
		}
		return desired, true
	})
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", path, err)
	}

	if written {
		r.logger.Info("Alarm state changed",
			zap.String("path", path),
			zap.String("device_id", deviceID),
			zap.Bool("alarm_active", desired),
		)
	} else {
		r.logger.Debug("Alarm state unchanged",
			zap.String("path", path),
			zap.Bool("alarm_active", desired),
		)
	}
	return written, nil
}

// StopAlarm 直接将报警状态置为 false（应用的"停止报警"操作）
func (r *SystemStatusRepository) StopAlarm(ctx context.Context, deviceID string) error {
	path, err := r.AlarmPath(deviceID)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, path, false); err != nil {
		return fmt.Errorf("failed to stop alarm: %w", err)
	}
	return nil
}

// GetAlarmActive 读取报警状态；known=false 表示尚未写入过
func (r *SystemStatusRepository) GetAlarmActive(ctx context.Context, deviceID string) (active bool, known bool, err error) {
	path, err := r.AlarmPath(deviceID)
	if err != nil {
		return false, false, err
	}
	snap, err := r.store.Get(ctx, path)
	if err != nil {
		return false, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	b, ok := snap.Value.(bool)
	return b, ok, nil
}
