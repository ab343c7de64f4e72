package rtdb

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Change 一次有效写入对应的变更记录（before/after 为整个记录根的值）
type Change struct {
	ID        string
	Root      string
	Path      string
	Before    any
	After     any
	Timestamp int64
}

func encodeChange(root, path string, before, after any, ts int64) (map[string]interface{}, error) {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("failed to encode before: %w", err)
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("failed to encode after: %w", err)
	}
	return map[string]interface{}{
		"root":      root,
		"path":      path,
		"before":    string(beforeJSON),
		"after":     string(afterJSON),
		"timestamp": strconv.FormatInt(ts, 10),
	}, nil
}

// ParseChange 解析变更流中的一条消息
func ParseChange(id string, values map[string]interface{}) (*Change, error) {
	root, _ := values["root"].(string)
	path, _ := values["path"].(string)
	if root == "" || path == "" {
		return nil, fmt.Errorf("invalid change %s: missing root or path", id)
	}

	c := &Change{ID: id, Root: root, Path: path}

	if s, ok := values["before"].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &c.Before); err != nil {
			return nil, fmt.Errorf("invalid change %s: before: %w", id, err)
		}
	}
	if s, ok := values["after"].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &c.After); err != nil {
			return nil, fmt.Errorf("invalid change %s: after: %w", id, err)
		}
	}
	if s, ok := values["timestamp"].(string); ok {
		c.Timestamp, _ = strconv.ParseInt(s, 10, 64)
	}

	return c, nil
}
