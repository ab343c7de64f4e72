package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	rediscommon "antitheft-alarm/internal/common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options 存储配置
type Options struct {
	KeyPrefix    string           // Redis 键前缀，如 "rtdb:"
	ChangeStream string           // 变更流名称，如 "rtdb:changes"
	StreamMaxLen int64            // 变更流近似最大长度，0 表示不裁剪
	MaxRetries   int              // WATCH 冲突时的最大重试次数
	Now          func() time.Time // 服务器时间（测试可注入）
}

// Store 层级 KV 存储：每个记录根（路径前两段）对应一个 Redis 键，值为 JSON 子树。
// 每次有效写入与一条变更记录在同一个 MULTI/EXEC 中提交。
type Store struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
}

// NewStore 创建存储
func NewStore(client *redis.Client, opts Options, logger *zap.Logger) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "rtdb:"
	}
	if opts.ChangeStream == "" {
		opts.ChangeStream = "rtdb:changes"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		client: client,
		opts:   opts,
		logger: logger,
	}
}

// ChangeStream 返回变更流名称
func (s *Store) ChangeStream() string {
	return s.opts.ChangeStream
}

func (s *Store) key(root string) string {
	return s.opts.KeyPrefix + root
}

// Get 读取路径上的值；单段路径返回整个集合
func (s *Store) Get(ctx context.Context, path string) (Snapshot, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return Snapshot{}, err
	}

	switch len(segs) {
	case 0:
		return Snapshot{}, fmt.Errorf("%w: cannot read the whole database", ErrInvalidPath)
	case 1:
		docs, err := s.collection(ctx, segs[0])
		if err != nil {
			return Snapshot{}, err
		}
		var value any
		if len(docs) > 0 {
			m := make(map[string]any, len(docs))
			for _, d := range docs {
				m[d.Key] = d.Value
			}
			value = m
		}
		return newSnapshot(segs, value), nil
	}

	doc, err := s.readRoot(ctx, s.client, RootOf(segs))
	if err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(segs, GetIn(doc, segs[2:])), nil
}

// Set 写入路径上的值，value 为 nil 表示删除
func (s *Store) Set(ctx context.Context, path string, value any) error {
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	if len(segs) < 2 {
		return fmt.Errorf("%w: cannot overwrite collection %q", ErrInvalidPath, path)
	}
	return s.apply(ctx, []write{{segs: segs, value: value}})
}

// Remove 删除路径上的值
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

// Update 同时写入多个子路径（fields 的键可以是相对路径），跨记录根原子提交
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	base, err := SplitPath(path)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	// 按键排序，保证写入顺序确定
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	writes := make([]write, 0, len(fields))
	for _, name := range names {
		rel, err := SplitPath(name)
		if err != nil {
			return err
		}
		if len(rel) == 0 {
			return fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		segs := append(append([]string{}, base...), rel...)
		if len(segs) < 2 {
			return fmt.Errorf("%w: cannot overwrite collection %q", ErrInvalidPath, JoinPath(segs...))
		}
		writes = append(writes, write{segs: segs, value: fields[name]})
	}

	return s.apply(ctx, writes)
}

// Push 在集合下追加一条记录，返回按时间有序的新键
func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	if len(segs) == 0 {
		return "", fmt.Errorf("%w: push requires a parent path", ErrInvalidPath)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate push key: %w", err)
	}
	key := id.String()

	if err := s.apply(ctx, []write{{segs: append(segs, key), value: value}}); err != nil {
		return "", err
	}
	return key, nil
}

// QueryByChild 在集合中按子节点等值过滤，按键排序后最多返回 limit 条（limit<=0 不限制）
func (s *Store) QueryByChild(ctx context.Context, collection string, child string, equalTo any, limit int) ([]Snapshot, error) {
	colSegs, err := SplitPath(collection)
	if err != nil {
		return nil, err
	}
	if len(colSegs) != 1 {
		return nil, fmt.Errorf("%w: query requires a top-level collection, got %q", ErrInvalidPath, collection)
	}
	childSegs, err := SplitPath(child)
	if err != nil {
		return nil, err
	}
	if len(childSegs) == 0 {
		return nil, fmt.Errorf("%w: empty child path", ErrInvalidPath)
	}

	want, err := normalize(equalTo, s.opts.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if want == nil {
		return nil, nil
	}

	docs, err := s.collection(ctx, colSegs[0])
	if err != nil {
		return nil, err
	}

	var out []Snapshot
	for _, d := range docs {
		if !Equal(GetIn(d.Value, childSegs), want) {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// TransactionFunc 根据当前值计算新值；返回 false 表示放弃写入
type TransactionFunc func(current any) (next any, commit bool)

// Transaction 对单个路径做比较并设置（WATCH/MULTI/EXEC），冲突时重试。
// 返回是否发生了实际写入。
func (s *Store) Transaction(ctx context.Context, path string, fn TransactionFunc) (bool, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return false, err
	}
	if len(segs) < 2 {
		return false, fmt.Errorf("%w: transaction requires a record path", ErrInvalidPath)
	}
	root := RootOf(segs)
	key := s.key(root)

	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		written := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			before, err := s.readRoot(ctx, tx, root)
			if err != nil {
				return err
			}

			next, commit := fn(GetIn(before, segs[2:]))
			if !commit {
				return nil
			}

			nowMillis := s.opts.Now().UnixMilli()
			normalized, err := normalize(next, nowMillis)
			if err != nil {
				return err
			}
			after := setIn(before, segs[2:], normalized)
			if Equal(before, after) {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return s.queueWrite(ctx, pipe, root, segs, before, after, nowMillis)
			})
			if err == nil {
				written = true
			}
			return err
		}, key)

		if err == nil {
			return written, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("Transaction conflict, retrying",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return false, err
	}

	return false, fmt.Errorf("transaction on %s aborted after %d retries", path, s.opts.MaxRetries)
}

type write struct {
	segs  []string
	value any
}

// apply 将一组写入按记录根分组，在一次 WATCH/MULTI/EXEC 中提交
func (s *Store) apply(ctx context.Context, writes []write) error {
	nowMillis := s.opts.Now().UnixMilli()

	normalized := make([]any, len(writes))
	for i, w := range writes {
		v, err := normalize(w.value, nowMillis)
		if err != nil {
			return err
		}
		normalized[i] = v
	}

	var roots []string
	grouped := make(map[string][]int)
	for i, w := range writes {
		root := RootOf(w.segs)
		if _, ok := grouped[root]; !ok {
			roots = append(roots, root)
		}
		grouped[root] = append(grouped[root], i)
	}

	keys := make([]string, len(roots))
	for i, root := range roots {
		keys[i] = s.key(root)
	}

	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			type pending struct {
				root          string
				segs          []string
				before, after any
			}
			var changed []pending

			for _, root := range roots {
				before, err := s.readRoot(ctx, tx, root)
				if err != nil {
					return err
				}
				after := before
				var paths [][]string
				for _, i := range grouped[root] {
					after = setIn(after, writes[i].segs[2:], normalized[i])
					paths = append(paths, writes[i].segs)
				}
				if Equal(before, after) {
					continue
				}
				changed = append(changed, pending{root: root, segs: commonPrefix(paths), before: before, after: after})
			}

			if len(changed) == 0 {
				return nil
			}

			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, c := range changed {
					if err := s.queueWrite(ctx, pipe, c.root, c.segs, c.before, c.after, nowMillis); err != nil {
						return err
					}
				}
				return nil
			})
			return err
		}, keys...)

		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("write aborted after %d retries", s.opts.MaxRetries)
}

// queueWrite 在 MULTI 中排队数据写入与变更记录
func (s *Store) queueWrite(ctx context.Context, pipe redis.Pipeliner, root string, segs []string, before, after any, nowMillis int64) error {
	if after == nil {
		pipe.Del(ctx, s.key(root))
	} else {
		raw, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", root, err)
		}
		pipe.Set(ctx, s.key(root), raw, 0)
	}

	values, err := encodeChange(root, JoinPath(segs...), before, after, nowMillis)
	if err != nil {
		return err
	}
	_, err = rediscommon.PublishToStream(ctx, pipe, s.opts.ChangeStream, s.opts.StreamMaxLen, values)
	return err
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// readRoot 读取一个记录根，不存在返回 nil
func (s *Store) readRoot(ctx context.Context, c getter, root string) (any, error) {
	raw, err := c.Get(ctx, s.key(root)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", root, err)
	}
	return doc, nil
}

// collection 扫描集合下所有记录根，按键排序
func (s *Store) collection(ctx context.Context, name string) ([]Snapshot, error) {
	prefix := s.key(name + "/")
	pattern := escapeGlob(prefix) + "*"

	var keys []string
	var cursor uint64
	for {
		k, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", name, err)
		}
		keys = append(keys, k...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	out := make([]Snapshot, 0, len(keys))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			s.logger.Warn("Skipping undecodable record",
				zap.String("key", keys[i]),
				zap.Error(err),
			)
			continue
		}
		recordKey := keys[i][len(prefix):]
		out = append(out, newSnapshot([]string{name, recordKey}, doc))
	}
	return out, nil
}
