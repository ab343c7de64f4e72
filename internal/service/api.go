package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"antitheft-alarm/internal/common/database"
	rediscommon "antitheft-alarm/internal/common/redis"
	"antitheft-alarm/internal/config"
	httpapi "antitheft-alarm/internal/http"
	"antitheft-alarm/internal/metrics"
	"antitheft-alarm/internal/repository"
	"antitheft-alarm/internal/rtdb"
	"antitheft-alarm/internal/schedule"
	"antitheft-alarm/internal/storage"

	"go.uber.org/zap"
)

// APIService 应用 API 服务
type APIService struct {
	config   *config.Config
	clients  Clients
	captures *storage.GCSLister
	server   *http.Server
	logger   *zap.Logger
}

// NewAPIService 建立连接并创建 API 服务
func NewAPIService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*APIService, error) {
	if cfg.HTTP.SessionSecret == "" {
		return nil, errors.New("SESSION_SECRET is required")
	}

	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	clients := Clients{Redis: redisClient}

	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			redisClient.Close()
			return nil, err
		}
		clients.DB = db
	}

	var captures *storage.GCSLister
	if cfg.Storage.Bucket != "" {
		lister, err := storage.NewGCSLister(ctx, cfg.Storage.Bucket, cfg.Storage.CredentialsFile, logger)
		if err != nil {
			redisClient.Close()
			database.Close(clients.DB)
			return nil, err
		}
		captures = lister
	}

	var lister storage.CaptureLister
	if captures != nil {
		lister = captures
	}
	handler, err := NewAPIHandler(cfg, clients, lister, logger)
	if err != nil {
		redisClient.Close()
		database.Close(clients.DB)
		return nil, err
	}

	return &APIService{
		config:   cfg,
		clients:  clients,
		captures: captures,
		server: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}, nil
}

// NewAPIHandler 使用已建立的连接组装 HTTP 路由
func NewAPIHandler(cfg *config.Config, clients Clients, captures storage.CaptureLister, logger *zap.Logger) (http.Handler, error) {
	if clients.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if clients.Clock == nil {
		clients.Clock = schedule.SystemClock{}
	}

	loc, err := schedule.LoadZone(cfg.Alarm.DefaultTimezone)
	if err != nil {
		return nil, err
	}

	store := rtdb.NewStore(clients.Redis, rtdb.Options{
		KeyPrefix:    cfg.RTDB.KeyPrefix,
		ChangeStream: cfg.RTDB.ChangeStream,
		StreamMaxLen: cfg.RTDB.StreamMaxLen,
		Now:          clients.Clock.Now,
	}, logger)

	deps := httpapi.Deps{
		Sessions:      repository.NewSessionRepository(store, clients.Clock, logger),
		Devices:       repository.NewDeviceRepository(store, cfg.Alarm.DefaultTimezone, logger),
		Alarm:         repository.NewSystemStatusRepository(store, cfg.Alarm.Scope, logger),
		Detected:      repository.NewDetectedRepository(store, logger),
		Captures:      captures,
		CapturePrefix: cfg.Storage.Prefix,
		Tokens:        httpapi.NewTokenIssuer(cfg.HTTP.SessionSecret, cfg.HTTP.SessionTTL, clients.Clock),
		Clock:         clients.Clock,
		Location:      loc,
	}
	if clients.DB != nil {
		deps.History = repository.NewHistoryRepository(clients.DB, logger)
	}

	metrics.Init(clients.DB, logger)
	return httpapi.NewRouter(httpapi.NewHandler(deps, logger), logger), nil
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消
func (s *APIService) Start(ctx context.Context) error {
	s.logger.Info("Starting API service",
		zap.String("addr", s.config.HTTP.Addr),
		zap.Bool("history", s.clients.DB != nil),
		zap.Bool("captures", s.captures != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Stop 关闭连接
func (s *APIService) Stop() error {
	s.logger.Info("Stopping API service")

	if s.captures != nil {
		if err := s.captures.Close(); err != nil {
			s.logger.Error("Failed to close storage client", zap.Error(err))
		}
	}
	if err := database.Close(s.clients.DB); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := rediscommon.Close(s.clients.Redis); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	return nil
}
