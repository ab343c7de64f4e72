package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	rediscommon "antitheft-alarm/internal/common/redis"
	"antitheft-alarm/internal/metrics"
	"antitheft-alarm/internal/rtdb"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ChangeHandler 处理一条变更记录
type ChangeHandler interface {
	Dispatch(ctx context.Context, change *rtdb.Change) error
}

// ChangeConsumerConfig 变更流消费配置
type ChangeConsumerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	BatchSize     int64
	Block         time.Duration // XREADGROUP 阻塞时间；负数表示不阻塞
	RetryInterval time.Duration // 重新投递未确认消息的间隔
	ClaimMinIdle  time.Duration // 空闲超过该时间的 pending 消息才会被认领（包括其他消费者的）
	MaxDeliveries int64         // 达到后确认并丢弃
}

// ChangeConsumer 变更流消费者（至少一次投递）
// 处理成功后 XACK；失败的消息留在 pending 列表中，按 RetryInterval 重新投递。
// 重试时扫描整个消费者组，已退出的消费者遗留的消息由存活的消费者认领。
type ChangeConsumer struct {
	redisClient *redis.Client
	handler     ChangeHandler
	cfg         ChangeConsumerConfig
	logger      *zap.Logger
	lastRetry   time.Time
}

// NewChangeConsumer 创建变更流消费者
func NewChangeConsumer(redisClient *redis.Client, handler ChangeHandler, cfg ChangeConsumerConfig, logger *zap.Logger) *ChangeConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Block == 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	return &ChangeConsumer{
		redisClient: redisClient,
		handler:     handler,
		cfg:         cfg,
		logger:      logger,
	}
}

// Start 启动消费，直到 ctx 取消
func (c *ChangeConsumer) Start(ctx context.Context) error {
	// 创建消费者组
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Change consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("consumer_group", c.cfg.Group),
		zap.String("consumer_name", c.cfg.Consumer),
	)

	// 消费变更（带指数退避）
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("Failed to consume changes",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				// 指数退避
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				// 成功时重置退避时间
				backoffDuration = time.Second
			}
		}
	}
}

// consumeOnce 先按间隔重试 pending 消息，再读取新消息
func (c *ChangeConsumer) consumeOnce(ctx context.Context) error {
	if time.Since(c.lastRetry) >= c.cfg.RetryInterval {
		if err := c.retryPending(ctx); err != nil {
			return err
		}
		c.lastRetry = time.Now()
	}

	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		c.cfg.Stream,
		c.cfg.Group,
		c.cfg.Consumer,
		c.cfg.BatchSize,
		c.cfg.Block,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		c.process(ctx, msg)
	}
	return nil
}

// retryPending 认领消费者组中空闲超过 ClaimMinIdle 的未确认消息并重新处理；
// 超过最大投递次数的直接确认并丢弃
func (c *ChangeConsumer) retryPending(ctx context.Context) error {
	pending, err := rediscommon.ListPending(
		ctx,
		c.redisClient,
		c.cfg.Stream,
		c.cfg.Group,
		"",
		c.cfg.BatchSize,
	)
	if err != nil {
		return fmt.Errorf("failed to list pending messages: %w", err)
	}

	var retry []string
	for _, p := range pending {
		// 其他消费者正在处理
		if p.Idle < c.cfg.ClaimMinIdle {
			continue
		}
		if p.Deliveries >= c.cfg.MaxDeliveries {
			c.logger.Error("Dropping change after max deliveries",
				zap.String("message_id", p.ID),
				zap.Int64("deliveries", p.Deliveries),
			)
			c.ack(ctx, p.ID)
			metrics.IncChangeDelivery(metrics.ResultDropped)
			continue
		}
		retry = append(retry, p.ID)
	}

	// XCLAIM 再次检查空闲时间，并发认领时只有一个消费者成功
	messages, err := rediscommon.ClaimMessages(ctx, c.redisClient, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, retry, c.cfg.ClaimMinIdle)
	if err != nil {
		return fmt.Errorf("failed to claim pending messages: %w", err)
	}
	for _, msg := range messages {
		c.process(ctx, msg)
	}
	return nil
}

// process 处理单条消息；成功或不可重试的错误时确认
func (c *ChangeConsumer) process(ctx context.Context, msg rediscommon.StreamMessage) {
	change, err := rtdb.ParseChange(msg.ID, msg.Values)
	if err != nil {
		c.logger.Error("Dropping malformed change",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		c.ack(ctx, msg.ID)
		metrics.IncChangeDelivery(metrics.ResultDropped)
		return
	}

	if change.Timestamp > 0 {
		metrics.ObserveConsumerLag(c.cfg.Group, time.Since(time.UnixMilli(change.Timestamp)))
	}

	if err := c.handler.Dispatch(ctx, change); err != nil {
		if errors.Is(err, rtdb.ErrInvalidPath) {
			c.logger.Error("Dropping change with invalid path",
				zap.String("message_id", msg.ID),
				zap.String("path", change.Path),
				zap.Error(err),
			)
			c.ack(ctx, msg.ID)
			metrics.IncChangeDelivery(metrics.ResultDropped)
			return
		}
		// 留在 pending 列表中等待重试
		c.logger.Warn("Change processing failed, will retry",
			zap.String("message_id", msg.ID),
			zap.String("path", change.Path),
			zap.Error(err),
		)
		metrics.IncChangeDelivery(metrics.ResultError)
		return
	}

	c.ack(ctx, msg.ID)
	metrics.IncChangeDelivery(metrics.ResultSuccess)
}

func (c *ChangeConsumer) ack(ctx context.Context, id string) {
	if err := c.redisClient.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Warn("Failed to ack message",
			zap.String("message_id", id),
			zap.Error(err),
		)
	}
}
