package models

import "strings"

// Device 设备记录（devices/{deviceId}）
type Device struct {
	ID         string        `json:"-"`
	Owner      string        `json:"owner,omitempty"`
	DeviceID   string        `json:"device_id,omitempty"`
	DeviceName string        `json:"device_name,omitempty"`
	Shutdown   interface{}   `json:"shutdown,omitempty"` // 原样保存，按真值解释
	Config     *DeviceConfig `json:"config,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
}

// DeviceConfig 设备布防时段配置
// 小时值原样透传（可能缺失或非数字），由评估器校验
type DeviceConfig struct {
	StartHour interface{} `json:"start_hour,omitempty"`
	EndHour   interface{} `json:"end_hour,omitempty"`
}

// 配置字段名
const (
	FieldStartHour = "start_hour"
	FieldEndHour   = "end_hour"
)

// IsHourField 是否为会触发重新计算的小时字段
func IsHourField(field string) bool {
	return field == FieldStartHour || field == FieldEndHour
}

// DeviceState 一次读取得到的设备状态快照
type DeviceState struct {
	DeviceID  string
	Shutdown  bool
	StartHour interface{}
	EndHour   interface{}
	Timezone  string
}

// EmailKey 将邮箱转换为可作为存储键的形式（"." 替换为 ","）
func EmailKey(email string) string {
	return strings.ReplaceAll(email, ".", ",")
}

// Truthy 解释存储中的值：nil、false、0、"" 为假，其余为真
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}
