package models

import (
	"strings"
	"time"
)

// DetectionLog 设备上报的检测日志（logs/{logId}），只追加
type DetectionLog struct {
	DeviceID   string      `json:"device_id,omitempty"`
	DeviceName string      `json:"device_name,omitempty"`
	ImageName  string      `json:"image_name,omitempty"`
	ImageURL   interface{} `json:"image_url,omitempty"`
	Message    string      `json:"message,omitempty"`
	Detected   interface{} `json:"detected,omitempty"`
	Timestamp  interface{} `json:"timestamp,omitempty"`
}

// ImageURLString 返回字符串形式的图片地址（非字符串返回空串）
func (l *DetectionLog) ImageURLString() string {
	s, _ := l.ImageURL.(string)
	return s
}

// DerivedImageName 图片名：优先 image_name，否则取 image_url 最后一段
func (l *DetectionLog) DerivedImageName() string {
	if l.ImageName != "" {
		return l.ImageName
	}
	url := l.ImageURLString()
	if url == "" {
		return ""
	}
	return url[strings.LastIndex(url, "/")+1:]
}

// DerivedMessage 消息：优先 message，否则按 detected 取 "Detected" 或 "Log"
func (l *DetectionLog) DerivedMessage() string {
	if l.Message != "" {
		return l.Message
	}
	if Truthy(l.Detected) {
		return "Detected"
	}
	return "Log"
}

// NumericTimestamp 日志自带的数字时间戳
func (l *DetectionLog) NumericTimestamp() (float64, bool) {
	switch v := l.Timestamp.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// DetectedEvent 每个 owner 最近一次检测事件（detected/{emailKey}），覆盖写入
type DetectedEvent struct {
	Email     string      `json:"email"`
	ImageName string      `json:"image_name,omitempty"`
	Message   string      `json:"message"`
	Timestamp interface{} `json:"timestamp"` // 毫秒时间戳或服务器时间占位符
	DeviceID  string      `json:"device_id,omitempty"`
	ImageURL  interface{} `json:"image_url,omitempty"`
	LastLogID string      `json:"last_log_id"`
}

// TimestampMillis 返回数字形式的时间戳（未解析时为 0）
func (e *DetectedEvent) TimestampMillis() int64 {
	switch v := e.Timestamp.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// HistoryEntry 检测历史（PostgreSQL detection_history）
type HistoryEntry struct {
	LogID      string    `json:"log_id"`
	OwnerEmail string    `json:"owner_email"`
	DeviceID   string    `json:"device_id,omitempty"`
	ImageName  string    `json:"image_name,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

// Session 登录会话（users/{sessionId}）
type Session struct {
	ID           string       `json:"-"`
	Email        string       `json:"email"`
	CreatedAt    string       `json:"createdAt"`
	SystemStatus SessionState `json:"system_status"`
}

// SessionState 会话内的系统状态
type SessionState struct {
	Armed bool `json:"armed"`
}

// Capture 摄像头抓拍图片
type Capture struct {
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"captured_at"`
}

// CaptureGroup 按日期分组的抓拍图片
type CaptureGroup struct {
	Date     string    `json:"date"` // DD/MM/YYYY
	Captures []Capture `json:"captures"`
}

// HistoryGroup 按日期分组的检测历史
type HistoryGroup struct {
	Date    string         `json:"date"` // DD/MM/YYYY
	Entries []HistoryEntry `json:"entries"`
}
