package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"antitheft-alarm/internal/repository"
	"antitheft-alarm/internal/schedule"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims 会话令牌声明
type Claims struct {
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer 签发和校验 HS256 会话令牌
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  schedule.Clock
}

// NewTokenIssuer 创建令牌签发器
func NewTokenIssuer(secret string, ttl time.Duration, clock schedule.Clock) *TokenIssuer {
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, clock: clock}
}

// Issue 为会话签发令牌
func (i *TokenIssuer) Issue(email, sessionID string) (string, error) {
	now := i.clock.Now()
	claims := Claims{
		Email:     email,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse 校验令牌并返回声明
func (i *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.Email == "" || claims.SessionID == "" {
		return nil, errors.New("auth: missing email or sid")
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFromContext 取出当前请求的会话声明
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// RequireSession 校验 Bearer 令牌，且令牌对应的会话记录仍然存在
func RequireSession(tokens *TokenIssuer, sessions SessionStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := tokens.Parse(strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			session, err := sessions.Get(r.Context(), claims.SessionID)
			if err != nil {
				if errors.Is(err, repository.ErrSessionNotFound) {
					writeError(w, http.StatusUnauthorized, "session not found")
					return
				}
				logger.Error("Failed to load session", zap.String("session_id", claims.SessionID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to load session")
				return
			}
			if session.Email != claims.Email {
				writeError(w, http.StatusUnauthorized, "session mismatch")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}
