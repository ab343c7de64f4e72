package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"antitheft-alarm/internal/common/database"
	mqttcommon "antitheft-alarm/internal/common/mqtt"
	rediscommon "antitheft-alarm/internal/common/redis"
	"antitheft-alarm/internal/config"
	"antitheft-alarm/internal/consumer"
	"antitheft-alarm/internal/metrics"
	"antitheft-alarm/internal/notify"
	"antitheft-alarm/internal/repository"
	"antitheft-alarm/internal/rtdb"
	"antitheft-alarm/internal/schedule"
	"antitheft-alarm/internal/trigger"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MQTTClient 设备桥接与状态发布所需的 MQTT 能力
type MQTTClient interface {
	consumer.MQTTSubscriber
	consumer.MQTTPublisher
}

// Clients 外部连接；DB / MQTT 为空时对应功能关闭
type Clients struct {
	Redis *redis.Client
	DB    *sql.DB
	MQTT  MQTTClient
	Clock schedule.Clock
}

// AlarmService 报警触发服务（整合各层）
type AlarmService struct {
	config  *config.Config
	clients Clients
	logger  *zap.Logger

	// 由本服务建立、需要在 Stop 时关闭的连接
	ownedMQTT *mqttcommon.Client
	ownsConns bool

	store          *rtdb.Store
	dispatcher     *consumer.Dispatcher
	changeConsumer *consumer.ChangeConsumer
	mqttConsumer   *consumer.MQTTConsumer
	metricsServer  *http.Server
}

// NewAlarmService 建立连接并创建报警服务
func NewAlarmService(cfg *config.Config, logger *zap.Logger) (*AlarmService, error) {
	// 1. 连接 Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	clients := Clients{Redis: redisClient}

	// 2. 连接数据库（可选，用于检测历史归档）
	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(context.Background(), &cfg.Database)
		if err != nil {
			redisClient.Close()
			return nil, err
		}
		clients.DB = db
	}

	// 3. 连接 MQTT（可选，设备桥接与状态发布）
	var mqttClient *mqttcommon.Client
	if cfg.MQTTEnabled {
		c, err := mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			redisClient.Close()
			database.Close(clients.DB)
			return nil, err
		}
		mqttClient = c
		clients.MQTT = c
	}

	s, err := NewAlarmServiceWithClients(cfg, clients, logger)
	if err != nil {
		redisClient.Close()
		database.Close(clients.DB)
		if mqttClient != nil {
			mqttClient.Disconnect()
		}
		return nil, err
	}
	s.ownedMQTT = mqttClient
	s.ownsConns = true
	return s, nil
}

// NewAlarmServiceWithClients 使用已建立的连接创建报警服务
func NewAlarmServiceWithClients(cfg *config.Config, clients Clients, logger *zap.Logger) (*AlarmService, error) {
	if clients.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if clients.Clock == nil {
		clients.Clock = schedule.SystemClock{}
	}

	// 1. 层级存储
	store := rtdb.NewStore(clients.Redis, rtdb.Options{
		KeyPrefix:    cfg.RTDB.KeyPrefix,
		ChangeStream: cfg.RTDB.ChangeStream,
		StreamMaxLen: cfg.RTDB.StreamMaxLen,
		Now:          clients.Clock.Now,
	}, logger)

	// 2. Repository 层
	deviceRepo := repository.NewDeviceRepository(store, cfg.Alarm.DefaultTimezone, logger)
	detectedRepo := repository.NewDetectedRepository(store, logger)
	statusRepo := repository.NewSystemStatusRepository(store, cfg.Alarm.Scope, logger)
	logRepo := repository.NewLogRepository(store, logger)

	// 3. 可选订阅者
	opts := trigger.Options{
		Clock:            clients.Clock,
		UnifiedRecompute: cfg.Alarm.UnifiedRecompute,
	}
	if clients.DB != nil {
		historyRepo := repository.NewHistoryRepository(clients.DB, logger)
		if err := historyRepo.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		opts.History = historyRepo
	}
	if clients.MQTT != nil {
		opts.Publisher = consumer.NewStatusPublisher(
			clients.MQTT, cfg.Alarm.StatusTopic, cfg.Alarm.TopicPrefix, cfg.MQTT.QoS, logger,
		)
	}
	if cfg.Notify.WebhookURL != "" {
		opts.Notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, cfg.Notify.RetryCount, logger)
	}

	// 4. 触发器与分发器
	handlers := trigger.NewHandlers(deviceRepo, detectedRepo, statusRepo, opts, logger)
	dispatcher, err := consumer.NewDispatcher(handlers.Triggers(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	// 5. 变更流消费者
	changeConsumer := consumer.NewChangeConsumer(clients.Redis, dispatcher, consumer.ChangeConsumerConfig{
		Stream:        store.ChangeStream(),
		Group:         cfg.Trigger.ConsumerGroup,
		Consumer:      cfg.Trigger.ConsumerName,
		BatchSize:     cfg.Trigger.BatchSize,
		RetryInterval: cfg.Trigger.RetryInterval,
		MaxDeliveries: cfg.Trigger.MaxDeliveries,
		ClaimMinIdle:  cfg.Trigger.ClaimMinIdle,
	}, logger)

	s := &AlarmService{
		config:         cfg,
		clients:        clients,
		logger:         logger,
		store:          store,
		dispatcher:     dispatcher,
		changeConsumer: changeConsumer,
	}

	// 6. 设备上行桥接
	if clients.MQTT != nil {
		s.mqttConsumer = consumer.NewMQTTConsumer(
			clients.MQTT, logRepo, deviceRepo, cfg.Alarm.TopicPrefix, cfg.MQTT.QoS, clients.Clock, logger,
		)
	}

	metrics.Init(clients.DB, logger)
	return s, nil
}

// Store 返回层级存储
func (s *AlarmService) Store() *rtdb.Store {
	return s.store
}

// Start 启动服务，阻塞直到 ctx 取消或消费者出错
func (s *AlarmService) Start(ctx context.Context) error {
	s.logger.Info("Starting alarm service",
		zap.String("scope", s.config.Alarm.Scope),
		zap.Bool("history", s.clients.DB != nil),
		zap.Bool("mqtt", s.clients.MQTT != nil),
		zap.Bool("webhook", s.config.Notify.WebhookURL != ""),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if s.config.HTTP.MetricsAddr != "" {
		s.metricsServer = &http.Server{
			Addr:              s.config.HTTP.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if s.mqttConsumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.mqttConsumer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("mqtt consumer: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.changeConsumer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("change consumer: %w", err)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	cancel()
	if s.metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.metricsServer.Shutdown(shutdownCtx)
		done()
	}
	wg.Wait()
	return err
}

// Stop 停止服务并关闭连接
func (s *AlarmService) Stop() error {
	s.logger.Info("Stopping alarm service")

	if s.mqttConsumer != nil {
		_ = s.mqttConsumer.Stop()
	}
	if !s.ownsConns {
		return nil
	}

	if s.ownedMQTT != nil {
		s.ownedMQTT.Disconnect()
	}

	// 关闭数据库连接
	if err := database.Close(s.clients.DB); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	// 关闭 Redis 连接
	if err := rediscommon.Close(s.clients.Redis); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}
