package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone 设备未配置时区时使用的默认时区
const DefaultTimezone = "Asia/Ho_Chi_Minh"

// ErrUnknownTimezone 时区名称无法解析
var ErrUnknownTimezone = errors.New("unknown timezone")

// Clock 时间源（便于测试时注入固定时间）
type Clock interface {
	Now() time.Time
}

// SystemClock 系统时钟
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock 固定时间（测试用）
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// InRange 判断 nowHour 是否处于 [startHour, endHour) 时段内
// startHour == endHour 表示全天；startHour > endHour 表示跨午夜（如 22 -> 6）
// startHour / endHour 不在 0..23 时返回 false
func InRange(nowHour, startHour, endHour int) bool {
	if !validHour(startHour) || !validHour(endHour) {
		return false
	}

	if startHour == endHour {
		return true
	}
	if startHour < endHour {
		return nowHour >= startHour && nowHour < endHour
	}
	return nowHour >= startHour || nowHour < endHour
}

// ParseHour 解析存储中的小时值，只接受 0..23 的整数
// 存储值来自 JSON，数字一般为 float64；字符串、布尔、小数均视为无效
func ParseHour(v any) (int, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	h := int(f)
	if !validHour(h) {
		return 0, false
	}
	return h, true
}

// CurrentHourInZone 返回当前时刻在指定时区的小时（0..23）
// 时区无法解析时返回错误，不回退到默认值
func CurrentHourInZone(clock Clock, zone string) (int, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return 0, err
	}
	return clock.Now().In(loc).Hour(), nil
}

// LoadZone 解析 IANA 时区名称
func LoadZone(zone string) (*time.Location, error) {
	if zone == "" {
		return nil, fmt.Errorf("%w: empty zone name", ErrUnknownTimezone)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownTimezone, zone, err)
	}
	return loc, nil
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}
