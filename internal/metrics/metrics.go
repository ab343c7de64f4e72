package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "antitheft_"

	resultSuccess = "success"
	resultError   = "error"
)

// 结果标签
const (
	ResultSuccess   = resultSuccess
	ResultError     = resultError
	ResultSkipped   = "skipped"
	ResultWritten   = "written"
	ResultUnchanged = "unchanged"
	ResultDropped   = "dropped"
)

var (
	registerOnce sync.Once

	triggerInvocations *prometheus.CounterVec
	triggerLatency     *prometheus.HistogramVec
	alarmStateWrites   *prometheus.CounterVec
	consumerLag        *prometheus.GaugeVec
	changeDeliveries   *prometheus.CounterVec
	mqttMessages       *prometheus.CounterVec
	notifications      *prometheus.CounterVec
)

// Init 注册指标；db 非空时额外注册历史表行数
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		triggerInvocations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "trigger_invocations_total",
				Help: "Trigger invocations by trigger and result",
			},
			[]string{"trigger", "result"},
		)
		triggerLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "trigger_latency_seconds",
				Help:    "Trigger handler latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		)
		alarmStateWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_state_writes_total",
				Help: "alarm_active recomputations by outcome",
			},
			[]string{"result"},
		)
		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "change_consumer_lag_seconds",
				Help: "Delay between a store write and its trigger dispatch",
			},
			[]string{"consumer"},
		)
		changeDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "change_deliveries_total",
				Help: "Change records processed by result",
			},
			[]string{"result"},
		)
		mqttMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_messages_total",
				Help: "Device MQTT messages by kind and result",
			},
			[]string{"kind", "result"},
		)
		notifications = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Detection webhook notifications by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			triggerInvocations,
			triggerLatency,
			alarmStateWrites,
			consumerLag,
			changeDeliveries,
			mqttMessages,
			notifications,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "detection_history_rows",
			Help: "Archived detection logs",
		},
		func() float64 {
			var count int64
			if err := db.QueryRow("SELECT COUNT(*) FROM detection_history").Scan(&count); err != nil {
				if logger != nil {
					logger.Warn("metrics query failed", zap.Error(err))
				}
				return 0
			}
			return float64(count)
		},
	))
}

// ObserveTrigger 记录一次触发器执行
func ObserveTrigger(trigger, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if triggerInvocations != nil {
		triggerInvocations.WithLabelValues(trigger, result).Inc()
	}
	if triggerLatency != nil {
		triggerLatency.WithLabelValues(trigger).Observe(duration.Seconds())
	}
}

// IncAlarmStateWrite 记录报警状态重算结果（written / unchanged / skipped）
func IncAlarmStateWrite(result string) {
	if alarmStateWrites != nil {
		alarmStateWrites.WithLabelValues(result).Inc()
	}
}

// ObserveConsumerLag 记录消费延迟
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// IncChangeDelivery 记录变更记录处理结果
func IncChangeDelivery(result string) {
	if changeDeliveries != nil {
		changeDeliveries.WithLabelValues(result).Inc()
	}
}

// IncMQTTMessage 记录设备消息
func IncMQTTMessage(kind, result string) {
	if mqttMessages != nil {
		mqttMessages.WithLabelValues(kind, result).Inc()
	}
}

// IncNotification 记录 webhook 通知结果
func IncNotification(result string) {
	if notifications != nil {
		notifications.WithLabelValues(result).Inc()
	}
}
