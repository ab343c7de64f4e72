package consumer

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// MQTTPublisher MQTT 发布接口（由 common/mqtt.Client 实现）
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// StatusPublisher 以保留消息发布报警状态，设备重连后即可拿到最新值
type StatusPublisher struct {
	client      MQTTPublisher
	statusTopic string // 全局状态主题
	topicPrefix string // 按设备：{prefix}/{deviceId}/alarm_active
	qos         byte
	logger      *zap.Logger
}

// NewStatusPublisher 创建报警状态发布者
func NewStatusPublisher(client MQTTPublisher, statusTopic, topicPrefix string, qos byte, logger *zap.Logger) *StatusPublisher {
	return &StatusPublisher{
		client:      client,
		statusTopic: statusTopic,
		topicPrefix: strings.Trim(topicPrefix, "/"),
		qos:         qos,
		logger:      logger,
	}
}

// Topic 返回报警状态主题
func (p *StatusPublisher) Topic(deviceID string) string {
	if deviceID == "" {
		return p.statusTopic
	}
	return fmt.Sprintf("%s/%s/alarm_active", p.topicPrefix, deviceID)
}

// PublishAlarmState 发布报警状态（JSON 布尔值，retained）
func (p *StatusPublisher) PublishAlarmState(deviceID string, active bool) error {
	payload, err := json.Marshal(active)
	if err != nil {
		return err
	}

	topic := p.Topic(deviceID)
	if err := p.client.Publish(topic, p.qos, true, payload); err != nil {
		return err
	}

	p.logger.Info("Alarm state published",
		zap.String("topic", topic),
		zap.Bool("alarm_active", active),
	)
	return nil
}
