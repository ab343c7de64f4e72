package trigger

import (
	"antitheft-alarm/internal/models"
	"antitheft-alarm/internal/schedule"
)

// Cause 触发重新计算的原因
type Cause string

const (
	CauseShutdownChanged Cause = "shutdown-changed"
	CauseScheduleChanged Cause = "schedule-changed"
)

// HasSchedule 开始和结束小时是否都是数字
func HasSchedule(state *models.DeviceState) bool {
	_, okStart := scheduleHour(state.StartHour)
	_, okEnd := scheduleHour(state.EndHour)
	return okStart && okEnd
}

// Recompute 根据设备状态计算 alarm_active 的期望值；ok=false 表示不写入
//
// shutdown 变化：shutdown=true 时强制为 true，否则为 !InRange。
// 时段变化：shutdown=true 时强制为 false，否则为 InRange。
// unified=true 时时段变化也使用 shutdown 变化的规则。
// 小时缺失或不是数字时不写入；数字但超出 0..23 时按不在时段内处理。
func Recompute(state *models.DeviceState, cause Cause, nowHour int, unified bool) (desired bool, ok bool) {
	armWhenOutside := cause == CauseShutdownChanged || unified

	if state.Shutdown {
		return armWhenOutside, true
	}

	start, okStart := scheduleHour(state.StartHour)
	end, okEnd := scheduleHour(state.EndHour)
	if !okStart || !okEnd {
		return false, false
	}

	inRange := schedule.InRange(nowHour, start, end)
	if armWhenOutside {
		return !inRange, true
	}
	return inRange, true
}

// scheduleHour 数字返回 (小时, true)，非法数字返回 (-1, true)，非数字返回 false
func scheduleHour(v interface{}) (int, bool) {
	if h, ok := schedule.ParseHour(v); ok {
		return h, true
	}
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return -1, true
	}
	return 0, false
}
