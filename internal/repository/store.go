package repository

import (
	"context"
	"errors"

	"antitheft-alarm/internal/rtdb"
)

// Store 仓库层依赖的层级存储操作（由 rtdb.Store 实现）
type Store interface {
	Get(ctx context.Context, path string) (rtdb.Snapshot, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Push(ctx context.Context, path string, value any) (string, error)
	QueryByChild(ctx context.Context, collection string, child string, equalTo any, limit int) ([]rtdb.Snapshot, error)
	Transaction(ctx context.Context, path string, fn rtdb.TransactionFunc) (bool, error)
}

var _ Store = (*rtdb.Store)(nil)

// 集合名称
const (
	collectionDevices      = "devices"
	collectionLogs         = "logs"
	collectionDetected     = "detected"
	collectionSystemStatus = "system_status"
	collectionUsers        = "users"
)

var (
	// ErrDeviceNotFound 设备记录不存在
	ErrDeviceNotFound = errors.New("device not found")
	// ErrEventNotFound owner 尚无检测事件
	ErrEventNotFound = errors.New("detected event not found")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidHour 小时不在 0..23 内
	ErrInvalidHour = errors.New("hour must be an integer in 0..23")
)

// recordPath 拼接记录路径；键名不合法时返回 false
func recordPath(collection, key string, rest ...string) (string, bool) {
	if rtdb.ValidateKey(key) != nil {
		return "", false
	}
	return rtdb.JoinPath(append([]string{collection, key}, rest...)...), true
}
