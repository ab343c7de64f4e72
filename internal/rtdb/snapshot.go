package rtdb

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Snapshot 某个路径在一次读取时的值
type Snapshot struct {
	Key   string
	Path  string
	Value any
}

func newSnapshot(segs []string, value any) Snapshot {
	s := Snapshot{Path: JoinPath(segs...), Value: value}
	if len(segs) > 0 {
		s.Key = segs[len(segs)-1]
	}
	return s
}

// Exists 节点是否存在
func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Child 返回子路径的快照
func (s Snapshot) Child(path string) Snapshot {
	segs, err := SplitPath(path)
	if err != nil || len(segs) == 0 {
		return s
	}
	base, _ := SplitPath(s.Path)
	return newSnapshot(append(base, segs...), GetIn(s.Value, segs))
}

// ChildKeys 返回子键（按字典序）
func (s Snapshot) ChildKeys() []string {
	keys := Keys(s.Value)
	sort.Strings(keys)
	return keys
}

// String 返回字符串值（非字符串返回空串）
func (s Snapshot) String() string {
	str, _ := s.Value.(string)
	return str
}

// Decode 使用 mapstructure 将快照解码到结构体（使用 json tag）
func (s Snapshot) Decode(out any) error {
	return Decode(s.Value, out)
}

// Decode 将 JSON 树解码到结构体
func Decode(value any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return nil
}
