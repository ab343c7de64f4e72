package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMetrics_Record(t *testing.T) {
	Init(nil, zap.NewNop())
	// 重复调用不会重复注册
	Init(nil, zap.NewNop())

	ObserveTrigger("onShutdownChanged", "", 10*time.Millisecond)
	ObserveTrigger("onShutdownChanged", ResultError, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(triggerInvocations.WithLabelValues("onShutdownChanged", ResultSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(triggerInvocations.WithLabelValues("onShutdownChanged", ResultError)))

	IncAlarmStateWrite(ResultWritten)
	IncAlarmStateWrite(ResultWritten)
	assert.Equal(t, float64(2), testutil.ToFloat64(alarmStateWrites.WithLabelValues(ResultWritten)))

	ObserveConsumerLag("", -time.Second)
	assert.Equal(t, float64(0), testutil.ToFloat64(consumerLag.WithLabelValues("unknown")))

	IncChangeDelivery(ResultDropped)
	assert.Equal(t, float64(1), testutil.ToFloat64(changeDeliveries.WithLabelValues(ResultDropped)))

	IncMQTTMessage("log", ResultSuccess)
	assert.Equal(t, float64(1), testutil.ToFloat64(mqttMessages.WithLabelValues("log", ResultSuccess)))

	IncNotification(ResultError)
	assert.Equal(t, float64(1), testutil.ToFloat64(notifications.WithLabelValues(ResultError)))
}
