package consumer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"antitheft-alarm/internal/rtdb"
	"antitheft-alarm/internal/trigger"

	"go.uber.org/zap"
)

type compiledTrigger struct {
	trigger.Trigger
	segs []string // 模式段，通配段形如 "{deviceId}"
}

// Dispatcher 将变更记录分发到匹配路径模式的触发器
type Dispatcher struct {
	triggers []compiledTrigger
	logger   *zap.Logger
}

// NewDispatcher 创建分发器
func NewDispatcher(triggers []trigger.Trigger, logger *zap.Logger) (*Dispatcher, error) {
	d := &Dispatcher{logger: logger}
	for _, t := range triggers {
		segs := strings.Split(strings.Trim(t.Pattern, "/"), "/")
		for _, seg := range segs {
			if seg == "" {
				return nil, fmt.Errorf("invalid trigger pattern %q", t.Pattern)
			}
			if !isWildcard(seg) {
				if err := rtdb.ValidateKey(seg); err != nil {
					return nil, fmt.Errorf("invalid trigger pattern %q: %w", t.Pattern, err)
				}
			}
		}
		if len(segs) < 2 {
			return nil, fmt.Errorf("trigger pattern %q must address a record", t.Pattern)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("trigger %s has no handler", t.Name)
		}
		d.triggers = append(d.triggers, compiledTrigger{Trigger: t, segs: segs})
	}
	return d, nil
}

func isWildcard(seg string) bool {
	return len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}'
}

// Dispatch 对一条变更记录执行所有匹配的触发器，返回第一个错误
// 所有匹配的触发器都会执行，即使前面的触发器失败
func (d *Dispatcher) Dispatch(ctx context.Context, change *rtdb.Change) error {
	written, err := rtdb.SplitPath(change.Path)
	if err != nil {
		return err
	}
	rootSegs, err := rtdb.SplitPath(change.Root)
	if err != nil {
		return err
	}

	var firstErr error
	for _, t := range d.triggers {
		for _, event := range d.match(t, rootSegs, written, change) {
			if err := t.Handler(ctx, event); err != nil {
				d.logger.Error("Trigger failed",
					zap.String("trigger", t.Name),
					zap.String("path", event.Path),
					zap.String("change_id", change.ID),
					zap.Error(err),
				)
				if firstErr == nil {
					firstErr = fmt.Errorf("trigger %s on %s: %w", t.Name, event.Path, err)
				}
			}
		}
	}
	return firstErr
}

// match 枚举与写入路径相关（祖先、相同或后代）的具体模式路径，返回值发生变化的事件
func (d *Dispatcher) match(t compiledTrigger, rootSegs, written []string, change *rtdb.Change) []trigger.Event {
	// 模式前两段必须与记录根匹配
	if len(rootSegs) != 2 {
		return nil
	}
	params := map[string]string{}
	for i := 0; i < 2; i++ {
		if !bindSegment(t.segs[i], rootSegs[i], params) {
			return nil
		}
	}

	var events []trigger.Event
	var walk func(depth int, concrete []string, params map[string]string)
	walk = func(depth int, concrete []string, params map[string]string) {
		if depth == len(t.segs) {
			event, ok := d.buildEvent(t, concrete, params, change)
			if ok {
				events = append(events, event)
			}
			return
		}

		pat := t.segs[depth]
		// 写入路径更深时，当前段必须与写入路径一致
		if depth < len(written) {
			next := cloneParams(params)
			if !bindSegment(pat, written[depth], next) {
				return
			}
			walk(depth+1, extend(concrete, written[depth]), next)
			return
		}

		// 写入路径已经结束：在 before/after 中展开子键
		if !isWildcard(pat) {
			walk(depth+1, extend(concrete, pat), params)
			return
		}
		for _, key := range childKeys(change, concrete) {
			next := cloneParams(params)
			next[pat[1:len(pat)-1]] = key
			walk(depth+1, extend(concrete, key), next)
		}
	}

	walk(2, append([]string{}, rootSegs...), params)
	return events
}

func (d *Dispatcher) buildEvent(t compiledTrigger, concrete []string, params map[string]string, change *rtdb.Change) (trigger.Event, bool) {
	sub := concrete[2:]
	before := rtdb.GetIn(change.Before, sub)
	after := rtdb.GetIn(change.After, sub)

	if rtdb.Equal(before, after) {
		return trigger.Event{}, false
	}
	if t.Kind == trigger.KindCreated && (before != nil || after == nil) {
		return trigger.Event{}, false
	}

	path := rtdb.JoinPath(concrete...)
	key := concrete[len(concrete)-1]
	return trigger.Event{
		ChangeID:  change.ID,
		Path:      path,
		Params:    params,
		Before:    rtdb.Snapshot{Key: key, Path: path, Value: before},
		After:     rtdb.Snapshot{Key: key, Path: path, Value: after},
		Timestamp: change.Timestamp,
	}, true
}

func bindSegment(pat, seg string, params map[string]string) bool {
	if isWildcard(pat) {
		params[pat[1:len(pat)-1]] = seg
		return true
	}
	return pat == seg
}

func extend(segs []string, seg string) []string {
	out := make([]string, len(segs), len(segs)+1)
	copy(out, segs)
	return append(out, seg)
}

func cloneParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	return out
}

// childKeys before 与 after 在该路径下子键的并集（有序）
func childKeys(change *rtdb.Change, concrete []string) []string {
	sub := concrete[2:]
	set := map[string]struct{}{}
	for _, k := range rtdb.Keys(rtdb.GetIn(change.Before, sub)) {
		set[k] = struct{}{}
	}
	for _, k := range rtdb.Keys(rtdb.GetIn(change.After, sub)) {
		set[k] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
