package trigger

import (
	"context"
	"errors"
	"time"

	"antitheft-alarm/internal/metrics"
	"antitheft-alarm/internal/models"
	"antitheft-alarm/internal/repository"
	"antitheft-alarm/internal/rtdb"
	"antitheft-alarm/internal/schedule"

	"go.uber.org/zap"
)

// 触发器名称
const (
	NameLogCreated        = "onLogCreated"
	NameShutdownChanged   = "onShutdownChanged"
	NameConfigHourChanged = "onConfigHourChanged"
	NameArchiveLog        = "archiveLog"
	NamePublishAlarmState = "publishAlarmState"
	NameNotifyDetected    = "notifyDetected"
)

// DeviceReader 设备状态读取与 owner 查找
type DeviceReader interface {
	ReadDeviceState(ctx context.Context, deviceID string) (*models.DeviceState, error)
	FindOwnerEmail(ctx context.Context, log *models.DetectionLog) (string, bool, error)
}

// DetectedWriter 写入 owner 的最近检测事件
type DetectedWriter interface {
	Put(ctx context.Context, email string, event *models.DetectedEvent) error
}

// AlarmStateWriter 幂等写入报警状态
type AlarmStateWriter interface {
	SetAlarmActiveIfNeeded(ctx context.Context, deviceID string, desired bool) (bool, error)
}

// Options 触发器选项；History / Publisher / Notifier 为空时不注册对应的订阅者
type Options struct {
	Clock            schedule.Clock
	UnifiedRecompute bool
	History          HistoryWriter
	Publisher        AlarmStatePublisher
	Notifier         Notifier
}

// Handlers 报警触发器
type Handlers struct {
	devices  DeviceReader
	detected DetectedWriter
	status   AlarmStateWriter
	opts     Options
	logger   *zap.Logger
}

// NewHandlers 创建触发器
func NewHandlers(devices DeviceReader, detected DetectedWriter, status AlarmStateWriter, opts Options, logger *zap.Logger) *Handlers {
	if opts.Clock == nil {
		opts.Clock = schedule.SystemClock{}
	}
	return &Handlers{
		devices:  devices,
		detected: detected,
		status:   status,
		opts:     opts,
		logger:   logger,
	}
}

// Triggers 返回全部触发器注册项
func (h *Handlers) Triggers() []Trigger {
	triggers := []Trigger{
		{Name: NameLogCreated, Pattern: "logs/{logId}", Kind: KindCreated, Handler: h.observe(NameLogCreated, h.OnLogCreated)},
		{Name: NameShutdownChanged, Pattern: "devices/{deviceId}/shutdown", Kind: KindWritten, Handler: h.observe(NameShutdownChanged, h.OnShutdownChanged)},
		{Name: NameConfigHourChanged, Pattern: "devices/{deviceId}/config/{field}", Kind: KindWritten, Handler: h.observe(NameConfigHourChanged, h.OnConfigHourChanged)},
	}

	if h.opts.History != nil {
		triggers = append(triggers, Trigger{
			Name: NameArchiveLog, Pattern: "logs/{logId}", Kind: KindCreated,
			Handler: h.observe(NameArchiveLog, h.ArchiveLog),
		})
	}
	if h.opts.Publisher != nil {
		triggers = append(triggers,
			Trigger{
				Name: NamePublishAlarmState, Pattern: "system_status/alarm_active", Kind: KindWritten,
				Handler: h.observe(NamePublishAlarmState, h.PublishAlarmState),
			},
			Trigger{
				Name: NamePublishAlarmState, Pattern: "system_status/devices/{deviceId}/alarm_active", Kind: KindWritten,
				Handler: h.observe(NamePublishAlarmState, h.PublishAlarmState),
			},
		)
	}
	if h.opts.Notifier != nil {
		triggers = append(triggers, Trigger{
			Name: NameNotifyDetected, Pattern: "detected/{emailKey}", Kind: KindWritten,
			Handler: h.observe(NameNotifyDetected, h.NotifyDetected),
		})
	}

	return triggers
}

func (h *Handlers) observe(name string, fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, event Event) error {
		start := time.Now()
		err := fn(ctx, event)
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.ObserveTrigger(name, result, time.Since(start))
		return err
	}
}

// OnLogCreated 新日志写入时，覆盖 owner 的最近检测事件
// owner 无法解析时不写入任何内容
func (h *Handlers) OnLogCreated(ctx context.Context, event Event) error {
	logID := event.Params["logId"]
	if !event.After.Exists() {
		return nil
	}

	var log models.DetectionLog
	if err := event.After.Decode(&log); err != nil {
		h.logger.Warn("Dropping malformed detection log",
			zap.String("log_id", logID),
			zap.Error(err),
		)
		return nil
	}

	email, found, err := h.devices.FindOwnerEmail(ctx, &log)
	if err != nil {
		return err
	}
	if !found {
		h.logger.Info("No owner for detection log",
			zap.String("log_id", logID),
			zap.String("device_id", log.DeviceID),
			zap.String("device_name", log.DeviceName),
		)
		return nil
	}

	detected := &models.DetectedEvent{
		Email:     email,
		ImageName: log.DerivedImageName(),
		Message:   log.DerivedMessage(),
		Timestamp: rtdb.ServerTimestamp,
		DeviceID:  log.DeviceID,
		ImageURL:  log.ImageURL,
		LastLogID: logID,
	}
	// 没有数字时间戳时使用日志写入时间，重复投递写入相同的值
	if ts, ok := log.NumericTimestamp(); ok {
		detected.Timestamp = ts
	} else if event.Timestamp > 0 {
		detected.Timestamp = float64(event.Timestamp)
	}

	if err := h.detected.Put(ctx, email, detected); err != nil {
		return err
	}

	h.logger.Info("Detected event updated",
		zap.String("log_id", logID),
		zap.String("email", email),
		zap.String("message", detected.Message),
	)
	return nil
}

// OnShutdownChanged shutdown 标志变化时重新计算报警状态
func (h *Handlers) OnShutdownChanged(ctx context.Context, event Event) error {
	if rtdb.Equal(event.Before.Value, event.After.Value) {
		return nil
	}
	return h.recompute(ctx, event.Params["deviceId"], CauseShutdownChanged)
}

// OnConfigHourChanged start_hour / end_hour 变化时重新计算报警状态
func (h *Handlers) OnConfigHourChanged(ctx context.Context, event Event) error {
	if !models.IsHourField(event.Params["field"]) {
		return nil
	}
	if rtdb.Equal(event.Before.Value, event.After.Value) {
		return nil
	}
	return h.recompute(ctx, event.Params["deviceId"], CauseScheduleChanged)
}

func (h *Handlers) recompute(ctx context.Context, deviceID string, cause Cause) error {
	state, err := h.devices.ReadDeviceState(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			h.logger.Debug("Device not found, skipping recompute",
				zap.String("device_id", deviceID),
				zap.String("cause", string(cause)),
			)
			metrics.IncAlarmStateWrite(metrics.ResultSkipped)
			return nil
		}
		return err
	}

	nowHour := 0
	if !state.Shutdown {
		if !HasSchedule(state) {
			h.logger.Debug("Device has no schedule, skipping recompute",
				zap.String("device_id", deviceID),
				zap.String("cause", string(cause)),
			)
			metrics.IncAlarmStateWrite(metrics.ResultSkipped)
			return nil
		}
		nowHour, err = schedule.CurrentHourInZone(h.opts.Clock, state.Timezone)
		if err != nil {
			h.logger.Warn("Cannot resolve device hour, skipping recompute",
				zap.String("device_id", deviceID),
				zap.String("timezone", state.Timezone),
				zap.Error(err),
			)
			metrics.IncAlarmStateWrite(metrics.ResultSkipped)
			return nil
		}
	}

	desired, ok := Recompute(state, cause, nowHour, h.opts.UnifiedRecompute)
	if !ok {
		metrics.IncAlarmStateWrite(metrics.ResultSkipped)
		return nil
	}

	written, err := h.status.SetAlarmActiveIfNeeded(ctx, deviceID, desired)
	if err != nil {
		return err
	}
	if written {
		metrics.IncAlarmStateWrite(metrics.ResultWritten)
	} else {
		metrics.IncAlarmStateWrite(metrics.ResultUnchanged)
	}

	h.logger.Debug("Alarm state recomputed",
		zap.String("device_id", deviceID),
		zap.String("cause", string(cause)),
		zap.Bool("shutdown", state.Shutdown),
		zap.Int("now_hour", nowHour),
		zap.Bool("alarm_active", desired),
		zap.Bool("written", written),
	)
	return nil
}
