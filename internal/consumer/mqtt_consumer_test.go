package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	mqttcommon "antitheft-alarm/internal/common/mqtt"
	"antitheft-alarm/internal/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMQTT struct {
	handlers     map[string]mqttcommon.MessageHandler
	unsubscribed []string
	published    []publishedMessage
	publishErr   error
}

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: map[string]mqttcommon.MessageHandler{}}
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqttcommon.MessageHandler) error {
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{topic, qos, retained, string(payload)})
	return nil
}

type fakeLogs struct {
	appended []map[string]any
	err      error
}

func (f *fakeLogs) Append(_ context.Context, fields map[string]any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.appended = append(f.appended, fields)
	return "log-1", nil
}

type fakeShutdown struct {
	calls map[string]bool
}

func (f *fakeShutdown) SetShutdown(_ context.Context, deviceID string, shutdown bool) error {
	if f.calls == nil {
		f.calls = map[string]bool{}
	}
	f.calls[deviceID] = shutdown
	return nil
}

var mqttNow = time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC)

func newTestMQTTConsumer() (*MQTTConsumer, *fakeMQTT, *fakeLogs, *fakeShutdown) {
	client := newFakeMQTT()
	logs := &fakeLogs{}
	devices := &fakeShutdown{}
	c := NewMQTTConsumer(client, logs, devices, "antitheft/", 1, schedule.FixedClock{T: mqttNow}, zap.NewNop())
	return c, client, logs, devices
}

func TestMQTTConsumer_StartSubscribesAndStop(t *testing.T) {
	c, client, _, _ := newTestMQTTConsumer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	cancel()
	require.NoError(t, <-done)

	assert.Contains(t, client.handlers, "antitheft/+/log")
	assert.Contains(t, client.handlers, "antitheft/+/shutdown")

	require.NoError(t, c.Stop())
	assert.ElementsMatch(t, []string{"antitheft/+/log", "antitheft/+/shutdown"}, client.unsubscribed)
}

func TestMQTTConsumer_LogMessage(t *testing.T) {
	c, _, logs, _ := newTestMQTTConsumer()

	err := c.handleMessage("antitheft/cam1/log", []byte(`{"message":"Detected person","image_url":"https://x/y.jpg"}`))
	require.NoError(t, err)

	require.Len(t, logs.appended, 1)
	fields := logs.appended[0]
	assert.Equal(t, "cam1", fields["device_name"])
	assert.Equal(t, "Detected person", fields["message"])
	assert.Equal(t, mqttNow.UnixMilli(), fields["timestamp"])
}

func TestMQTTConsumer_LogMessageKeepsDeviceFields(t *testing.T) {
	c, _, logs, _ := newTestMQTTConsumer()

	err := c.handleMessage("antitheft/cam1/log", []byte(`{"device_id":"d-9","timestamp":1700000000000}`))
	require.NoError(t, err)

	require.Len(t, logs.appended, 1)
	fields := logs.appended[0]
	assert.Equal(t, "d-9", fields["device_id"])
	assert.NotContains(t, fields, "device_name")
	assert.Equal(t, float64(1700000000000), fields["timestamp"])
}

func TestMQTTConsumer_InvalidLogPayload(t *testing.T) {
	c, _, logs, _ := newTestMQTTConsumer()

	assert.Error(t, c.handleMessage("antitheft/cam1/log", []byte(`not json`)))
	assert.Error(t, c.handleMessage("antitheft/cam1/log", []byte(`{}`)))
	assert.Empty(t, logs.appended)

	logs.err = errors.New("store down")
	assert.Error(t, c.handleMessage("antitheft/cam1/log", []byte(`{"message":"x"}`)))
}

func TestMQTTConsumer_ShutdownMessage(t *testing.T) {
	c, _, _, devices := newTestMQTTConsumer()

	require.NoError(t, c.handleMessage("antitheft/cam1/shutdown", []byte("true")))
	require.NoError(t, c.handleMessage("antitheft/cam2/shutdown", []byte(`"OFF"`)))
	assert.Equal(t, map[string]bool{"cam1": true, "cam2": false}, devices.calls)

	assert.Error(t, c.handleMessage("antitheft/cam3/shutdown", []byte("maybe")))
	assert.NotContains(t, devices.calls, "cam3")
}

func TestMQTTConsumer_InvalidTopic(t *testing.T) {
	c, _, _, _ := newTestMQTTConsumer()

	assert.Error(t, c.handleMessage("other/cam1/log", []byte(`{}`)))
	assert.Error(t, c.handleMessage("antitheft/cam1", []byte(`{}`)))
	assert.Error(t, c.handleMessage("antitheft/cam1/reboot", []byte(`{}`)))
}

func TestParseSwitch(t *testing.T) {
	for _, s := range []string{"true", "1", "on", " ON ", `"true"`} {
		v, err := parseSwitch(s)
		require.NoError(t, err, s)
		assert.True(t, v, s)
	}
	for _, s := range []string{"false", "0", "off"} {
		v, err := parseSwitch(s)
		require.NoError(t, err, s)
		assert.False(t, v, s)
	}
	_, err := parseSwitch("")
	assert.Error(t, err)
}

func TestStatusPublisher(t *testing.T) {
	client := newFakeMQTT()
	p := NewStatusPublisher(client, "antitheft/system_status/alarm_active", "antitheft", 1, zap.NewNop())

	require.NoError(t, p.PublishAlarmState("", true))
	require.NoError(t, p.PublishAlarmState("d1", false))

	require.Len(t, client.published, 2)
	assert.Equal(t, publishedMessage{"antitheft/system_status/alarm_active", 1, true, "true"}, client.published[0])
	assert.Equal(t, publishedMessage{"antitheft/d1/alarm_active", 1, true, "false"}, client.published[1])

	client.publishErr = errors.New("not connected")
	assert.Error(t, p.PublishAlarmState("", false))
}
