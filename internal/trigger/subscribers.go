package trigger

import (
	"context"
	"time"

	"antitheft-alarm/internal/models"

	"go.uber.org/zap"
)

// HistoryWriter 检测历史归档
type HistoryWriter interface {
	Insert(ctx context.Context, entry *models.HistoryEntry) (bool, error)
}

// AlarmStatePublisher 向设备端广播报警状态
type AlarmStatePublisher interface {
	PublishAlarmState(deviceID string, active bool) error
}

// Notifier 检测事件通知
type Notifier interface {
	Notify(ctx context.Context, event *models.DetectedEvent) error
}

// ArchiveLog 将新日志归档到检测历史；重复投递由 log_id 去重
func (h *Handlers) ArchiveLog(ctx context.Context, event Event) error {
	logID := event.Params["logId"]
	if !event.After.Exists() {
		return nil
	}

	var log models.DetectionLog
	if err := event.After.Decode(&log); err != nil {
		return nil
	}

	email, found, err := h.devices.FindOwnerEmail(ctx, &log)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	detectedAt := time.UnixMilli(event.Timestamp).UTC()
	if ts, ok := log.NumericTimestamp(); ok {
		detectedAt = time.UnixMilli(int64(ts)).UTC()
	}

	inserted, err := h.opts.History.Insert(ctx, &models.HistoryEntry{
		LogID:      logID,
		OwnerEmail: email,
		DeviceID:   log.DeviceID,
		ImageName:  log.DerivedImageName(),
		ImageURL:   log.ImageURLString(),
		Message:    log.DerivedMessage(),
		DetectedAt: detectedAt,
	})
	if err != nil {
		return err
	}
	if !inserted {
		h.logger.Debug("Detection log already archived", zap.String("log_id", logID))
	}
	return nil
}

// PublishAlarmState 报警状态变化时发布 MQTT 保留消息；状态被删除时不发布
func (h *Handlers) PublishAlarmState(_ context.Context, event Event) error {
	active, ok := event.After.Value.(bool)
	if !ok {
		return nil
	}
	return h.opts.Publisher.PublishAlarmState(event.Params["deviceId"], active)
}

// NotifyDetected owner 的最近检测事件更新时发送 webhook
// 通知失败只记录日志，不重新投递
func (h *Handlers) NotifyDetected(ctx context.Context, event Event) error {
	if !event.After.Exists() {
		return nil
	}

	var detected models.DetectedEvent
	if err := event.After.Decode(&detected); err != nil {
		h.logger.Warn("Cannot decode detected event",
			zap.String("path", event.Path),
			zap.Error(err),
		)
		return nil
	}

	if err := h.opts.Notifier.Notify(ctx, &detected); err != nil {
		h.logger.Warn("Detection notification failed",
			zap.String("email", detected.Email),
			zap.String("last_log_id", detected.LastLogID),
			zap.Error(err),
		)
	}
	return nil
}
