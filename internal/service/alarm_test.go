package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mqttcommon "antitheft-alarm/internal/common/mqtt"
	"antitheft-alarm/internal/config"
	"antitheft-alarm/internal/models"
	"antitheft-alarm/internal/notify"
	"antitheft-alarm/internal/schedule"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 2024-01-01 03:30 UTC = 10:30 Asia/Ho_Chi_Minh
var testNow = time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC)

type fakeMQTT struct {
	mu        sync.Mutex
	handlers  map[string]mqttcommon.MessageHandler
	published []string
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqttcommon.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]mqttcommon.MessageHandler{}
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error { return nil }

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic+"="+string(payload))
	return nil
}

func (f *fakeMQTT) handler(topic string) mqttcommon.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

func (f *fakeMQTT) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.MetricsAddr = ""
	cfg.HTTP.SessionSecret = "test-secret"
	cfg.Trigger.ConsumerName = "test-worker"
	cfg.Trigger.RetryInterval = 100 * time.Millisecond
	return cfg
}

func setupRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { redisClient.Close() })
	return redisClient
}

func startService(t *testing.T, s *AlarmService) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("alarm service did not stop")
		}
		assert.NoError(t, s.Stop())
	})
}

func TestAlarmService_RecomputesAndPublishesAlarmState(t *testing.T) {
	cfg := testConfig()
	mqtt := &fakeMQTT{}

	s, err := NewAlarmServiceWithClients(cfg, Clients{
		Redis: setupRedis(t),
		MQTT:  mqtt,
		Clock: schedule.FixedClock{T: testNow},
	}, zap.NewNop())
	require.NoError(t, err)
	startService(t, s)

	ctx := context.Background()
	store := s.Store()
	alarmActive := func() any {
		snap, err := store.Get(ctx, "system_status/alarm_active")
		require.NoError(t, err)
		return snap.Value
	}

	require.NoError(t, store.Set(ctx, "devices/cam1", map[string]any{"owner": "a@b.com"}))
	// 10:30 在 8..18 时段内：布防
	require.NoError(t, store.Update(ctx, "devices/cam1/config", map[string]any{"start_hour": 8, "end_hour": 18}))
	require.Eventually(t, func() bool { return alarmActive() == true }, 5*time.Second, 20*time.Millisecond)

	// 取消 shutdown 时按时段重新计算
	require.NoError(t, store.Set(ctx, "devices/cam1/shutdown", true))
	require.NoError(t, store.Set(ctx, "devices/cam1/shutdown", false))
	require.Eventually(t, func() bool { return alarmActive() == false }, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return len(mqtt.messages()) == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{
		"antitheft/system_status/alarm_active=true",
		"antitheft/system_status/alarm_active=false",
	}, mqtt.messages())
}

func TestAlarmService_DeviceLogToDetectedAndWebhook(t *testing.T) {
	var mu sync.Mutex
	var hooks []notify.WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			mu.Lock()
			hooks = append(hooks, p)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Notify.WebhookURL = server.URL
	mqtt := &fakeMQTT{}

	s, err := NewAlarmServiceWithClients(cfg, Clients{
		Redis: setupRedis(t),
		MQTT:  mqtt,
		Clock: schedule.FixedClock{T: testNow},
	}, zap.NewNop())
	require.NoError(t, err)
	startService(t, s)

	ctx := context.Background()
	require.NoError(t, s.Store().Set(ctx, "devices/cam1/owner", "a@b.com"))

	require.Eventually(t, func() bool { return mqtt.handler("antitheft/+/log") != nil }, 5*time.Second, 10*time.Millisecond)
	handle := mqtt.handler("antitheft/+/log")
	require.NoError(t, handle("antitheft/cam1/log", []byte(`{"device_id":"cam1","message":"Detected person","image_name":"cam1_2024-01-01_10-30-00.jpg"}`)))

	detectedPath := "detected/" + models.EmailKey("a@b.com")
	require.Eventually(t, func() bool {
		snap, err := s.Store().Get(ctx, detectedPath)
		return err == nil && snap.Exists()
	}, 5*time.Second, 20*time.Millisecond)

	snap, err := s.Store().Get(ctx, detectedPath)
	require.NoError(t, err)
	var event models.DetectedEvent
	require.NoError(t, snap.Decode(&event))
	assert.Equal(t, "a@b.com", event.Email)
	assert.Equal(t, "cam1", event.DeviceID)
	assert.Equal(t, "Detected person", event.Message)
	assert.Equal(t, testNow.UnixMilli(), event.TimestampMillis())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hooks) == 1
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "a@b.com", hooks[0].Email)
	assert.Equal(t, event.LastLogID, hooks[0].LogID)
	mu.Unlock()
}

func TestNewAlarmServiceWithClients_RequiresRedis(t *testing.T) {
	_, err := NewAlarmServiceWithClients(testConfig(), Clients{}, zap.NewNop())
	assert.Error(t, err)
}
