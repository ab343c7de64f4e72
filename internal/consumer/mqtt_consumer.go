package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqttcommon "antitheft-alarm/internal/common/mqtt"
	"antitheft-alarm/internal/metrics"
	"antitheft-alarm/internal/schedule"

	"go.uber.org/zap"
)

// MQTTSubscriber MQTT 订阅接口（由 common/mqtt.Client 实现）
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// LogAppender 追加检测日志
type LogAppender interface {
	Append(ctx context.Context, fields map[string]any) (string, error)
}

// ShutdownSetter 写入设备 shutdown 标志
type ShutdownSetter interface {
	SetShutdown(ctx context.Context, deviceID string, shutdown bool) error
}

// MQTTConsumer 设备上行消息桥接
// 主题格式: {prefix}/{device}/log 与 {prefix}/{device}/shutdown
type MQTTConsumer struct {
	client      MQTTSubscriber
	logs        LogAppender
	devices     ShutdownSetter
	topicPrefix string
	qos         byte
	clock       schedule.Clock
	logger      *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	client MQTTSubscriber,
	logs LogAppender,
	devices ShutdownSetter,
	topicPrefix string,
	qos byte,
	clock schedule.Clock,
	logger *zap.Logger,
) *MQTTConsumer {
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	return &MQTTConsumer{
		client:      client,
		logs:        logs,
		devices:     devices,
		topicPrefix: strings.Trim(topicPrefix, "/"),
		qos:         qos,
		clock:       clock,
		logger:      logger,
	}
}

func (c *MQTTConsumer) topics() []string {
	return []string{
		c.topicPrefix + "/+/log",
		c.topicPrefix + "/+/shutdown",
	}
}

// Start 订阅设备主题，阻塞直到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	for _, topic := range c.topics() {
		if err := c.client.Subscribe(topic, c.qos, c.handleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	c.logger.Info("MQTT consumer started",
		zap.Strings("topics", c.topics()),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() error {
	if err := c.client.Unsubscribe(c.topics()...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理MQTT消息
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	rest := strings.TrimPrefix(topic, c.topicPrefix+"/")
	parts := strings.Split(rest, "/")
	if rest == topic || len(parts) != 2 || parts[0] == "" {
		metrics.IncMQTTMessage("unknown", metrics.ResultError)
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	device, kind := parts[0], parts[1]

	ctx := context.Background()
	var err error
	switch kind {
	case "log":
		err = c.handleLog(ctx, device, payload)
	case "shutdown":
		err = c.handleShutdown(ctx, device, payload)
	default:
		err = fmt.Errorf("unsupported topic kind %q", kind)
	}

	if err != nil {
		metrics.IncMQTTMessage(kind, metrics.ResultError)
		return err
	}
	metrics.IncMQTTMessage(kind, metrics.ResultSuccess)
	return nil
}

// handleLog 设备检测日志写入 logs/；缺少设备标识时使用主题中的设备名，缺少时间戳时使用接收时间
func (c *MQTTConsumer) handleLog(ctx context.Context, device string, payload []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("failed to unmarshal log from %s: %w", device, err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("empty log from %s", device)
	}

	if _, ok := fields["device_id"]; !ok {
		if _, ok := fields["device_name"]; !ok {
			fields["device_name"] = device
		}
	}
	if _, ok := fields["timestamp"].(float64); !ok {
		fields["timestamp"] = c.clock.Now().UnixMilli()
	}

	logID, err := c.logs.Append(ctx, fields)
	if err != nil {
		return err
	}

	c.logger.Info("Detection log received",
		zap.String("device", device),
		zap.String("log_id", logID),
	)
	return nil
}

// handleShutdown 设备 shutdown 上报，接受 true/false/1/0/on/off
func (c *MQTTConsumer) handleShutdown(ctx context.Context, device string, payload []byte) error {
	shutdown, err := parseSwitch(string(payload))
	if err != nil {
		return fmt.Errorf("invalid shutdown payload from %s: %w", device, err)
	}
	if err := c.devices.SetShutdown(ctx, device, shutdown); err != nil {
		return err
	}

	c.logger.Info("Device shutdown updated",
		zap.String("device", device),
		zap.Bool("shutdown", shutdown),
	)
	return nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(s), `"`)) {
	case "true", "1", "on":
		return true, nil
	case "false", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized value %q", s)
}
