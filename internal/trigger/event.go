package trigger

import (
	"context"

	"antitheft-alarm/internal/rtdb"
)

// Kind 触发类型
type Kind int

const (
	// KindWritten 路径上的值发生任何变化（创建、修改、删除）
	KindWritten Kind = iota
	// KindCreated 仅在路径从不存在变为存在时触发
	KindCreated
)

func (k Kind) String() string {
	if k == KindCreated {
		return "created"
	}
	return "written"
}

// Event 一次路径变化，携带变化前后的快照
type Event struct {
	ChangeID  string            // 变更流消息 ID
	Path      string            // 匹配到的具体路径
	Params    map[string]string // 模式中通配段绑定的值
	Before    rtdb.Snapshot
	After     rtdb.Snapshot
	Timestamp int64 // 写入时间（Unix 毫秒）
}

// HandlerFunc 触发器处理函数；返回错误表示需要重新投递
type HandlerFunc func(ctx context.Context, event Event) error

// Trigger 触发器注册项
// Pattern 形如 "devices/{deviceId}/config/{field}"
type Trigger struct {
	Name    string
	Pattern string
	Kind    Kind
	Handler HandlerFunc
}
