package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"antitheft-alarm/internal/models"
	"antitheft-alarm/internal/repository"
	"antitheft-alarm/internal/rtdb"
	"antitheft-alarm/internal/schedule"
	"antitheft-alarm/internal/storage"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SessionStore 会话记录
type SessionStore interface {
	Create(ctx context.Context, email string) (string, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

// DeviceStore 设备记录
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	UpdateConfig(ctx context.Context, deviceID string, startHour, endHour int) error
}

// AlarmStore 报警状态
type AlarmStore interface {
	GetAlarmActive(ctx context.Context, deviceID string) (active bool, known bool, err error)
	StopAlarm(ctx context.Context, deviceID string) error
}

// DetectedReader 最近检测事件
type DetectedReader interface {
	Get(ctx context.Context, email string) (*models.DetectedEvent, error)
}

// HistoryReader 检测历史
type HistoryReader interface {
	ListByOwner(ctx context.Context, email string, since time.Time, limit int) ([]models.HistoryEntry, error)
}

// Deps 处理器依赖；History / Captures 为空时对应接口返回 503
type Deps struct {
	Sessions      SessionStore
	Devices       DeviceStore
	Alarm         AlarmStore
	Detected      DetectedReader
	History       HistoryReader
	Captures      storage.CaptureLister
	CapturePrefix string
	Tokens        *TokenIssuer
	Clock         schedule.Clock
	Location      *time.Location // 历史按该时区的日期分组
}

// Handler 应用 API 处理器
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if deps.Clock == nil {
		deps.Clock = schedule.SystemClock{}
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Handler{deps: deps, logger: logger}
}

const maxBodyBytes = 64 << 10

// CreateSession POST /api/v1/sessions
// 身份来自网关注入的 X-User-Email
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.Header.Get("X-User-Email"))
	if email == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-Email")
		return
	}

	sessionID, err := h.deps.Sessions.Create(r.Context(), email)
	if err != nil {
		h.logger.Error("Failed to create session", zap.String("email", email), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	token, err := h.deps.Tokens.Issue(email, sessionID)
	if err != nil {
		h.logger.Error("Failed to sign token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"session_id": sessionID,
		"token":      token,
	}))
}

// ownedDevice 读取设备并校验调用者是 owner；失败时已写入响应
func (h *Handler) ownedDevice(w http.ResponseWriter, r *http.Request, deviceID string) (*models.Device, bool) {
	claims, _ := ClaimsFromContext(r.Context())

	device, err := h.deps.Devices.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return nil, false
		}
		h.logger.Error("Failed to read device", zap.String("device_id", deviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read device")
		return nil, false
	}
	if claims == nil || !strings.EqualFold(device.Owner, claims.Email) {
		writeError(w, http.StatusForbidden, "not the device owner")
		return nil, false
	}
	return device, true
}

// GetDeviceConfig GET /api/v1/devices/{deviceId}/config
func (h *Handler) GetDeviceConfig(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	device, ok := h.ownedDevice(w, r, deviceID)
	if !ok {
		return
	}

	result := map[string]any{
		"device_id":  deviceID,
		"start_hour": nil,
		"end_hour":   nil,
	}
	if device.Config != nil {
		result["start_hour"] = device.Config.StartHour
		result["end_hour"] = device.Config.EndHour
	}
	writeJSON(w, http.StatusOK, Ok(result))
}

// UpdateDeviceConfig PUT /api/v1/devices/{deviceId}/config
// 两个小时值必须都是 0..23 的整数，一次写入
func (h *Handler) UpdateDeviceConfig(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	var body map[string]any
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	start, okStart := schedule.ParseHour(body[models.FieldStartHour])
	end, okEnd := schedule.ParseHour(body[models.FieldEndHour])
	if !okStart || !okEnd {
		writeError(w, http.StatusBadRequest, "start_hour and end_hour must be integers in 0..23")
		return
	}

	if _, ok := h.ownedDevice(w, r, deviceID); !ok {
		return
	}

	if err := h.deps.Devices.UpdateConfig(r.Context(), deviceID, start, end); err != nil {
		if errors.Is(err, repository.ErrInvalidHour) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to update config", zap.String("device_id", deviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update config")
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"device_id":  deviceID,
		"start_hour": start,
		"end_hour":   end,
	}))
}

// alarmDevice 按设备作用域时校验 device_id 的归属；全局作用域返回空串
func (h *Handler) alarmDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		return "", true
	}
	if _, ok := h.ownedDevice(w, r, deviceID); !ok {
		return "", false
	}
	return deviceID, true
}

func (h *Handler) writeAlarmError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrDeviceRequired) || errors.Is(err, rtdb.ErrInvalidPath) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("Alarm state operation failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "alarm state unavailable")
}

// GetAlarm GET /api/v1/alarm[?device_id=]
func (h *Handler) GetAlarm(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.alarmDevice(w, r)
	if !ok {
		return
	}

	active, known, err := h.deps.Alarm.GetAlarmActive(r.Context(), deviceID)
	if err != nil {
		h.writeAlarmError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"alarm_active": active,
		"known":        known,
	}))
}

// StopAlarm POST /api/v1/alarm/stop[?device_id=]
func (h *Handler) StopAlarm(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.alarmDevice(w, r)
	if !ok {
		return
	}

	if err := h.deps.Alarm.StopAlarm(r.Context(), deviceID); err != nil {
		h.writeAlarmError(w, err)
		return
	}

	claims, _ := ClaimsFromContext(r.Context())
	h.logger.Info("Alarm stopped by user",
		zap.String("email", claims.Email),
		zap.String("device_id", deviceID),
	)
	writeJSON(w, http.StatusOK, Ok(map[string]any{"alarm_active": false}))
}

// GetDetected GET /api/v1/detected
func (h *Handler) GetDetected(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	event, err := h.deps.Detected.Get(r.Context(), claims.Email)
	if err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			writeError(w, http.StatusNotFound, "no detection yet")
			return
		}
		h.logger.Error("Failed to read detected event", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read detected event")
		return
	}
	writeJSON(w, http.StatusOK, Ok(event))
}

// historySince 解析 ?days=（默认 30 天，最多 365 天）
func (h *Handler) historySince(r *http.Request) time.Time {
	days := parseInt(r.URL.Query().Get("days"), 30)
	if days <= 0 || days > 365 {
		days = 30
	}
	return h.deps.Clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) ([]models.HistoryEntry, bool) {
	if h.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not enabled")
		return nil, false
	}
	claims, _ := ClaimsFromContext(r.Context())

	entries, err := h.deps.History.ListByOwner(r.Context(), claims.Email, h.historySince(r), parseInt(r.URL.Query().Get("limit"), 0))
	if err != nil {
		h.logger.Error("Failed to list history", zap.String("email", claims.Email), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return nil, false
	}
	return entries, true
}

// GetHistory GET /api/v1/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, ok := h.listHistory(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Ok(GroupHistoryByDate(entries, h.deps.Location)))
}

// ExportHistory GET /api/v1/history/export
func (h *Handler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	entries, ok := h.listHistory(w, r)
	if !ok {
		return
	}

	data, err := GenerateHistoryExport(entries, h.deps.Location)
	if err != nil {
		h.logger.Error("Failed to generate history export", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate export")
		return
	}

	filename := "detection_history_" + h.deps.Clock.Now().In(h.deps.Location).Format("20060102") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetCaptures GET /api/v1/captures
func (h *Handler) GetCaptures(w http.ResponseWriter, r *http.Request) {
	if h.deps.Captures == nil {
		writeError(w, http.StatusServiceUnavailable, "capture storage is not configured")
		return
	}

	objects, err := h.deps.Captures.List(r.Context(), h.deps.CapturePrefix)
	if err != nil {
		h.logger.Error("Failed to list captures", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to list captures")
		return
	}
	writeJSON(w, http.StatusOK, Ok(storage.GroupCapturesByDate(objects)))
}

// Healthz GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok("ok"))
}
