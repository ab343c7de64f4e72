package rtdb

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ServerTimestamp 写入时替换为服务器当前时间（Unix 毫秒）
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// normalize 将任意 Go 值转换为 JSON 树（map[string]any / []any / float64 / string / bool），
// 解析服务器时间占位符，并去掉 nil 与空 map
func normalize(v any, nowMillis int64) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return prune(tree, nowMillis)
}

func prune(v any, nowMillis int64) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if isServerTimestamp(val) {
			return float64(nowMillis), nil
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			if err := ValidateKey(k); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
			}
			pruned, err := prune(child, nowMillis)
			if err != nil {
				return nil, err
			}
			if pruned != nil {
				out[k] = pruned
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, child := range val {
			pruned, err := prune(child, nowMillis)
			if err != nil {
				return nil, err
			}
			out = append(out, pruned)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return v, nil
	}
}

func isServerTimestamp(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	sv, ok := m[".sv"].(string)
	return ok && sv == "timestamp"
}

// GetIn 读取树中 segs 位置的子节点，不存在时返回 nil
func GetIn(doc any, segs []string) any {
	cur := doc
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// setIn 返回在 segs 位置写入 value 后的新树（不修改原树）；value 为 nil 表示删除
func setIn(doc any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	src, _ := doc.(map[string]any)
	m := make(map[string]any, len(src)+1)
	for k, v := range src {
		m[k] = v
	}

	child := setIn(m[segs[0]], segs[1:], value)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Equal 比较两个 JSON 树是否相同
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Keys 返回 map 节点的子键（非 map 返回 nil）
func Keys(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
