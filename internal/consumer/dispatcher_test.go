package consumer

import (
	"context"
	"errors"
	"testing"

	"antitheft-alarm/internal/rtdb"
	"antitheft-alarm/internal/trigger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	events []trigger.Event
	err    error
}

func (r *recorder) handle(_ context.Context, event trigger.Event) error {
	r.events = append(r.events, event)
	return r.err
}

func newTestDispatcher(t *testing.T, triggers ...trigger.Trigger) *Dispatcher {
	d, err := NewDispatcher(triggers, zap.NewNop())
	require.NoError(t, err)
	return d
}

func TestNewDispatcher_RejectsInvalidPatterns(t *testing.T) {
	h := func(context.Context, trigger.Event) error { return nil }

	cases := []string{
		"devices",
		"devices//shutdown",
		"devices/{deviceId}/a.b",
		"",
	}
	for _, pattern := range cases {
		_, err := NewDispatcher([]trigger.Trigger{{Name: "t", Pattern: pattern, Handler: h}}, zap.NewNop())
		assert.Error(t, err, pattern)
	}

	_, err := NewDispatcher([]trigger.Trigger{{Name: "t", Pattern: "devices/{deviceId}"}}, zap.NewNop())
	assert.Error(t, err)
}

func TestDispatch_ExactPath(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, trigger.Trigger{
		Name:    "shutdown",
		Pattern: "devices/{deviceId}/shutdown",
		Handler: rec.handle,
	})

	err := d.Dispatch(context.Background(), &rtdb.Change{
		ID:     "1-0",
		Root:   "devices/d1",
		Path:   "devices/d1/shutdown",
		Before: map[string]any{"shutdown": false, "owner": "a@b.com"},
		After:  map[string]any{"shutdown": true, "owner": "a@b.com"},
	})
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, "devices/d1/shutdown", ev.Path)
	assert.Equal(t, map[string]string{"deviceId": "d1"}, ev.Params)
	assert.Equal(t, false, ev.Before.Value)
	assert.Equal(t, true, ev.After.Value)
	assert.Equal(t, "shutdown", ev.After.Key)
	assert.Equal(t, "1-0", ev.ChangeID)
}

func TestDispatch_AncestorWriteExpandsWildcards(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, trigger.Trigger{
		Name:    "hours",
		Pattern: "devices/{deviceId}/config/{field}",
		Handler: rec.handle,
	})

	err := d.Dispatch(context.Background(), &rtdb.Change{
		Root:   "devices/d1",
		Path:   "devices/d1",
		Before: map[string]any{"config": map[string]any{"start_hour": float64(8), "end_hour": float64(18)}},
		After:  map[string]any{"config": map[string]any{"start_hour": float64(8), "end_hour": float64(20)}},
	})
	require.NoError(t, err)

	// 只有值变化的字段触发
	require.Len(t, rec.events, 1)
	assert.Equal(t, "devices/d1/config/end_hour", rec.events[0].Path)
	assert.Equal(t, map[string]string{"deviceId": "d1", "field": "end_hour"}, rec.events[0].Params)
	assert.Equal(t, float64(18), rec.events[0].Before.Value)
	assert.Equal(t, float64(20), rec.events[0].After.Value)
}

func TestDispatch_DeletedSubtreeFiresForEachChild(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, trigger.Trigger{
		Name:    "hours",
		Pattern: "devices/{deviceId}/config/{field}",
		Handler: rec.handle,
	})

	err := d.Dispatch(context.Background(), &rtdb.Change{
		Root:   "devices/d1",
		Path:   "devices/d1/config",
		Before: map[string]any{"config": map[string]any{"start_hour": float64(8), "end_hour": float64(18)}},
		After:  nil,
	})
	require.NoError(t, err)

	require.Len(t, rec.events, 2)
	assert.Equal(t, "devices/d1/config/end_hour", rec.events[0].Path)
	assert.Equal(t, "devices/d1/config/start_hour", rec.events[1].Path)
	assert.False(t, rec.events[0].After.Exists())
}

func TestDispatch_DescendantWrite(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, trigger.Trigger{
		Name:    "device",
		Pattern: "devices/{deviceId}",
		Handler: rec.handle,
	})

	err := d.Dispatch(context.Background(), &rtdb.Change{
		Root:   "devices/d1",
		Path:   "devices/d1/config/start_hour",
		Before: map[string]any{"config": map[string]any{"start_hour": float64(8)}},
		After:  map[string]any{"config": map[string]any{"start_hour": float64(9)}},
	})
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "devices/d1", rec.events[0].Path)
}

func TestDispatch_CreatedOnlyOnCreation(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, trigger.Trigger{
		Name:    "log",
		Pattern: "logs/{logId}",
		Kind:    trigger.KindCreated,
		Handler: rec.handle,
	})
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, &rtdb.Change{
		Root:  "logs/l1",
		Path:  "logs/l1",
		After: map[string]any{"message": "hi"},
	}))
	require.Len(t, rec.events, 1)
	assert.Equal(t, map[string]string{"logId": "l1"}, rec.events[0].Params)

	// 修改已有日志不触发
	require.NoError(t, d.Dispatch(ctx, &rtdb.Change{
		Root:   "logs/l1",
		Path:   "logs/l1/message",
		Before: map[string]any{"message": "hi"},
		After:  map[string]any{"message": "bye"},
	}))
	// 删除不触发
	require.NoError(t, d.Dispatch(ctx, &rtdb.Change{
		Root:   "logs/l1",
		Path:   "logs/l1",
		Before: map[string]any{"message": "bye"},
	}))
	assert.Len(t, rec.events, 1)
}

func TestDispatch_OtherCollectionIgnored(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, trigger.Trigger{
		Name:    "shutdown",
		Pattern: "devices/{deviceId}/shutdown",
		Handler: rec.handle,
	})

	require.NoError(t, d.Dispatch(context.Background(), &rtdb.Change{
		Root:  "logs/l1",
		Path:  "logs/l1",
		After: map[string]any{"shutdown": true},
	}))
	assert.Empty(t, rec.events)
}

func TestDispatch_RunsAllTriggersAndReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	failing := &recorder{err: boom}
	ok := &recorder{}
	d := newTestDispatcher(t,
		trigger.Trigger{Name: "failing", Pattern: "devices/{deviceId}/shutdown", Handler: failing.handle},
		trigger.Trigger{Name: "ok", Pattern: "devices/{deviceId}/shutdown", Handler: ok.handle},
	)

	err := d.Dispatch(context.Background(), &rtdb.Change{
		Root:  "devices/d1",
		Path:  "devices/d1/shutdown",
		After: map[string]any{"shutdown": true},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)
}

func TestDispatch_InvalidPath(t *testing.T) {
	d := newTestDispatcher(t)

	err := d.Dispatch(context.Background(), &rtdb.Change{Root: "devices/d1", Path: "devices/d.1"})
	assert.ErrorIs(t, err, rtdb.ErrInvalidPath)
}
