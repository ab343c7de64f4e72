package repository

import (
	"context"
	"fmt"

	"antitheft-alarm/internal/models"
	"antitheft-alarm/internal/schedule"

	"go.uber.org/zap"
)

// SessionRepository 登录会话（users/{sessionId}）
type SessionRepository struct {
	store  Store
	clock  schedule.Clock
	logger *zap.Logger
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(store Store, clock schedule.Clock, logger *zap.Logger) *SessionRepository {
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	return &SessionRepository{
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Create 登录时创建会话记录，返回会话 ID
func (r *SessionRepository) Create(ctx context.Context, email string) (string, error) {
	session := &models.Session{
		Email:        email,
		CreatedAt:    r.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		SystemStatus: models.SessionState{Armed: false},
	}

	id, err := r.store.Push(ctx, collectionUsers, session)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Info("Session created",
		zap.String("session_id", id),
		zap.String("email", email),
	)
	return id, nil
}

// Get 读取会话
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	path, ok := recordPath(collectionUsers, sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	snap, err := r.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var session models.Session
	if err := snap.Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	session.ID = sessionID
	return &session, nil
}
