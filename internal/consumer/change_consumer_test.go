package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"antitheft-alarm/internal/rtdb"
	"antitheft-alarm/internal/trigger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testStream = "rtdb:changes"
	testGroup  = "antitheft-triggers"
)

type fakeChangeHandler struct {
	mu      sync.Mutex
	changes []*rtdb.Change
	err     error
}

func (h *fakeChangeHandler) Dispatch(_ context.Context, change *rtdb.Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, change)
	return h.err
}

func (h *fakeChangeHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.changes)
}

const testClaimMinIdle = time.Millisecond

func newTestConsumer(client *redis.Client, handler ChangeHandler, name string, maxDeliveries int64, claimMinIdle time.Duration) *ChangeConsumer {
	return NewChangeConsumer(client, handler, ChangeConsumerConfig{
		Stream:        testStream,
		Group:         testGroup,
		Consumer:      name,
		BatchSize:     10,
		Block:         -1,
		RetryInterval: time.Hour,
		MaxDeliveries: maxDeliveries,
		ClaimMinIdle:  claimMinIdle,
	}, zap.NewNop())
}

func setupConsumer(t *testing.T, handler ChangeHandler, maxDeliveries int64) (*redis.Client, *rtdb.Store, *ChangeConsumer) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { redisClient.Close() })

	store := rtdb.NewStore(redisClient, rtdb.Options{ChangeStream: testStream}, zap.NewNop())
	c := newTestConsumer(redisClient, handler, "worker-1", maxDeliveries, testClaimMinIdle)

	require.NoError(t, redisClient.XGroupCreateMkStream(context.Background(), testStream, testGroup, "0").Err())
	return redisClient, store, c
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	p, err := client.XPending(context.Background(), testStream, testGroup).Result()
	require.NoError(t, err)
	return p.Count
}

// 强制下一轮执行 pending 重试，并等待消息空闲超过认领阈值
func (c *ChangeConsumer) forceRetry() {
	time.Sleep(5 * testClaimMinIdle)
	c.lastRetry = time.Time{}
}

func TestChangeConsumer_AcksOnSuccess(t *testing.T) {
	handler := &fakeChangeHandler{}
	client, store, c := setupConsumer(t, handler, 5)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "devices/d1/shutdown", true))
	require.NoError(t, c.consumeOnce(ctx))

	require.Equal(t, 1, handler.count())
	change := handler.changes[0]
	assert.Equal(t, "devices/d1", change.Root)
	assert.Equal(t, "devices/d1/shutdown", change.Path)
	assert.Nil(t, change.Before)
	assert.Equal(t, map[string]any{"shutdown": true}, change.After)
	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestChangeConsumer_RetriesFailedChange(t *testing.T) {
	handler := &fakeChangeHandler{err: errors.New("transient")}
	client, store, c := setupConsumer(t, handler, 5)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "devices/d1/shutdown", true))
	require.NoError(t, c.consumeOnce(ctx))
	assert.Equal(t, 1, handler.count())
	assert.Equal(t, int64(1), pendingCount(t, client))

	// 未到重试间隔时不重新投递
	require.NoError(t, c.consumeOnce(ctx))
	assert.Equal(t, 1, handler.count())

	handler.mu.Lock()
	handler.err = nil
	handler.mu.Unlock()

	c.forceRetry()
	require.NoError(t, c.consumeOnce(ctx))
	assert.Equal(t, 2, handler.count())
	assert.Equal(t, handler.changes[0].ID, handler.changes[1].ID)
	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestChangeConsumer_DropsAfterMaxDeliveries(t *testing.T) {
	handler := &fakeChangeHandler{err: errors.New("permanent")}
	client, store, c := setupConsumer(t, handler, 2)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "devices/d1/shutdown", true))
	require.NoError(t, c.consumeOnce(ctx)) // 第 1 次投递

	c.forceRetry()
	require.NoError(t, c.consumeOnce(ctx)) // 第 2 次投递
	assert.Equal(t, 2, handler.count())
	assert.Equal(t, int64(1), pendingCount(t, client))

	c.forceRetry()
	require.NoError(t, c.consumeOnce(ctx)) // 达到上限，丢弃
	assert.Equal(t, 2, handler.count())
	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestChangeConsumer_ClaimsChangeLeftByAnotherConsumer(t *testing.T) {
	failing := &fakeChangeHandler{err: errors.New("worker crashed")}
	client, store, first := setupConsumer(t, failing, 5)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "devices/d1/shutdown", true))
	require.NoError(t, first.consumeOnce(ctx))
	require.Equal(t, 1, failing.count())
	assert.Equal(t, int64(1), pendingCount(t, client))

	// 新实例使用不同的消费者名
	handler := &fakeChangeHandler{}
	second := newTestConsumer(client, handler, "worker-2", 5, testClaimMinIdle)
	second.forceRetry()
	require.NoError(t, second.consumeOnce(ctx))

	require.Equal(t, 1, handler.count())
	assert.Equal(t, "devices/d1/shutdown", handler.changes[0].Path)
	assert.Equal(t, int64(0), pendingCount(t, client))
	assert.Equal(t, 1, failing.count())
}

func TestChangeConsumer_DoesNotClaimInFlightChange(t *testing.T) {
	slow := &fakeChangeHandler{err: errors.New("still working")}
	client, store, first := setupConsumer(t, slow, 5)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "devices/d1/shutdown", true))
	require.NoError(t, first.consumeOnce(ctx))

	// 空闲时间未达到阈值，消息仍归原消费者
	handler := &fakeChangeHandler{}
	second := newTestConsumer(client, handler, "worker-2", 5, time.Hour)
	require.NoError(t, second.consumeOnce(ctx))

	assert.Equal(t, 0, handler.count())
	assert.Equal(t, int64(1), pendingCount(t, client))

	p, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: testStream,
		Group:  testGroup,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Equal(t, "worker-1", p[0].Consumer)
}

func TestChangeConsumer_InvalidPathAckedImmediately(t *testing.T) {
	handler := &fakeChangeHandler{err: fmt.Errorf("trigger x: %w", rtdb.ErrInvalidPath)}
	client, store, c := setupConsumer(t, handler, 5)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "devices/d1/shutdown", true))
	require.NoError(t, c.consumeOnce(ctx))

	assert.Equal(t, 1, handler.count())
	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestChangeConsumer_MalformedChangeDropped(t *testing.T) {
	handler := &fakeChangeHandler{}
	client, _, c := setupConsumer(t, handler, 5)
	ctx := context.Background()

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]interface{}{"path": "devices/d1"},
	}).Err())
	require.NoError(t, c.consumeOnce(ctx))

	assert.Equal(t, 0, handler.count())
	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestChangeConsumer_DispatchesToTriggers(t *testing.T) {
	var mu sync.Mutex
	var got []trigger.Event
	dispatcher, err := NewDispatcher([]trigger.Trigger{{
		Name:    "shutdown",
		Pattern: "devices/{deviceId}/shutdown",
		Handler: func(_ context.Context, event trigger.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, event)
			return nil
		},
	}}, zap.NewNop())
	require.NoError(t, err)

	_, store, c := setupConsumer(t, dispatcher, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.NoError(t, store.Set(context.Background(), "devices/d1", map[string]any{"owner": "a@b.com"}))
	require.NoError(t, store.Set(context.Background(), "devices/d1/shutdown", true))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "d1", got[0].Params["deviceId"])
	assert.Nil(t, got[0].Before.Value)
	assert.Equal(t, true, got[0].After.Value)
}
