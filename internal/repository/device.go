package repository

import (
	"context"
	"fmt"

	"antitheft-alarm/internal/models"
	"antitheft-alarm/internal/rtdb"
	"antitheft-alarm/internal/schedule"

	"go.uber.org/zap"
)

// DeviceRepository 设备仓库（devices/{deviceId}）
type DeviceRepository struct {
	store           Store
	defaultTimezone string
	logger          *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(store Store, defaultTimezone string, logger *zap.Logger) *DeviceRepository {
	if defaultTimezone == "" {
		defaultTimezone = schedule.DefaultTimezone
	}
	return &DeviceRepository{
		store:           store,
		defaultTimezone: defaultTimezone,
		logger:          logger,
	}
}

// ReadDeviceState 一次读取设备记录，得到一致的状态快照
// 设备不存在返回 ErrDeviceNotFound；小时字段原样透传
func (r *DeviceRepository) ReadDeviceState(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	path, ok := recordPath(collectionDevices, deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, deviceID)
	}

	snap, err := r.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device %s: %w", deviceID, err)
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	state := &models.DeviceState{
		DeviceID:  deviceID,
		Shutdown:  models.Truthy(snap.Child("shutdown").Value),
		StartHour: snap.Child("config/start_hour").Value,
		EndHour:   snap.Child("config/end_hour").Value,
		Timezone:  snap.Child("timezone").String(),
	}
	if state.Timezone == "" {
		state.Timezone = r.defaultTimezone
	}
	return state, nil
}

// GetDevice 读取并解码设备记录
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	path, ok := recordPath(collectionDevices, deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, deviceID)
	}

	snap, err := r.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device %s: %w", deviceID, err)
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	var device models.Device
	if err := snap.Decode(&device); err != nil {
		return nil, fmt.Errorf("failed to decode device %s: %w", deviceID, err)
	}
	device.ID = deviceID
	return &device, nil
}

// FindOwnerEmail 根据日志中的设备标识查找 owner 邮箱
// 顺序：devices/{device_id}/owner → 按 device_id 查询 → devices/{device_name}/owner → 按 device_name 查询，
// 直接路径没有 owner 时继续查询；查询命中的设备没有 owner 时停止查找，返回 ok=false
func (r *DeviceRepository) FindOwnerEmail(ctx context.Context, log *models.DetectionLog) (string, bool, error) {
	type step struct {
		field string
		value string
	}
	steps := []step{
		{field: "device_id", value: log.DeviceID},
		{field: "device_name", value: log.DeviceName},
	}

	for _, s := range steps {
		if s.value == "" {
			continue
		}

		email, err := r.directOwner(ctx, s.value)
		if err != nil {
			return "", false, err
		}
		if email != "" {
			return email, true, nil
		}

		email, matched, err := r.queryOwner(ctx, s.field, s.value)
		if err != nil {
			return "", false, err
		}
		if matched {
			return email, email != "", nil
		}
	}

	return "", false, nil
}

func (r *DeviceRepository) directOwner(ctx context.Context, key string) (string, error) {
	path, ok := recordPath(collectionDevices, key, "owner")
	if !ok {
		return "", nil
	}
	snap, err := r.store.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read owner of %s: %w", key, err)
	}
	return snap.String(), nil
}

// queryOwner 按子字段查询第一台设备；matched 表示是否有设备命中
func (r *DeviceRepository) queryOwner(ctx context.Context, field, value string) (email string, matched bool, err error) {
	matches, err := r.store.QueryByChild(ctx, collectionDevices, field, value, 1)
	if err != nil {
		return "", false, fmt.Errorf("failed to query devices by %s: %w", field, err)
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	return matches[0].Child("owner").String(), true, nil
}

// GetConfig 读取设备布防时段
func (r *DeviceRepository) GetConfig(ctx context.Context, deviceID string) (*models.DeviceConfig, error) {
	device, err := r.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Config == nil {
		return &models.DeviceConfig{}, nil
	}
	return device.Config, nil
}

// UpdateConfig 一次写入开始和结束小时（0..23）
func (r *DeviceRepository) UpdateConfig(ctx context.Context, deviceID string, startHour, endHour int) error {
	if _, ok := schedule.ParseHour(startHour); !ok {
		return fmt.Errorf("%w: start_hour %d", ErrInvalidHour, startHour)
	}
	if _, ok := schedule.ParseHour(endHour); !ok {
		return fmt.Errorf("%w: end_hour %d", ErrInvalidHour, endHour)
	}

	path, ok := recordPath(collectionDevices, deviceID, "config")
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, deviceID)
	}

	if err := r.store.Update(ctx, path, map[string]any{
		models.FieldStartHour: startHour,
		models.FieldEndHour:   endHour,
	}); err != nil {
		return fmt.Errorf("failed to update config of %s: %w", deviceID, err)
	}

	r.logger.Info("Device config updated",
		zap.String("device_id", deviceID),
		zap.Int("start_hour", startHour),
		zap.Int("end_hour", endHour),
	)
	return nil
}

// SetShutdown 写入设备 shutdown 标志
func (r *DeviceRepository) SetShutdown(ctx context.Context, deviceID string, shutdown bool) error {
	path, ok := recordPath(collectionDevices, deviceID, "shutdown")
	if !ok {
		return fmt.Errorf("%w: %s", rtdb.ErrInvalidPath, deviceID)
	}
	if err := r.store.Set(ctx, path, shutdown); err != nil {
		return fmt.Errorf("failed to set shutdown of %s: %w", deviceID, err)
	}
	return nil
}
