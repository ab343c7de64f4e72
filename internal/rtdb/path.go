package rtdb

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath 路径或键名不合法
var ErrInvalidPath = errors.New("invalid path")

const maxKeyLength = 768

// SplitPath 拆分并校验路径，忽略首尾的 "/"
func SplitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	segs := strings.Split(trimmed, "/")
	for _, seg := range segs {
		if err := ValidateKey(seg); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
		}
	}
	return segs, nil
}

// ValidateKey 校验单个键名（不能为空，不能包含 . # $ [ ] /）
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("key longer than %d bytes", maxKeyLength)
	}
	if strings.ContainsAny(key, ".#$[]/") {
		return fmt.Errorf("key %q contains one of . # $ [ ] /", key)
	}
	return nil
}

// JoinPath 拼接路径段
func JoinPath(segs ...string) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// RootOf 返回路径所属的记录根（前两段）
func RootOf(segs []string) string {
	if len(segs) < 2 {
		return ""
	}
	return segs[0] + "/" + segs[1]
}

// escapeGlob 转义 SCAN MATCH 中的通配符
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// commonPrefix 返回多条路径的公共前缀
func commonPrefix(paths [][]string) []string {
	if len(paths) == 0 {
		return nil
	}
	prefix := paths[0]
	for _, p := range paths[1:] {
		n := 0
		for n < len(prefix) && n < len(p) && prefix[n] == p[n] {
			n++
		}
		prefix = prefix[:n]
	}
	return prefix
}
