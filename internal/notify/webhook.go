package notify

import (
	"context"
	"fmt"
	"time"

	"antitheft-alarm/internal/metrics"
	"antitheft-alarm/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookPayload webhook 请求体
type WebhookPayload struct {
	Type      string `json:"type"`
	Email     string `json:"email"`
	DeviceID  string `json:"device_id,omitempty"`
	ImageName string `json:"image_name,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	LogID     string `json:"log_id"`
}

// WebhookNotifier 检测事件 webhook 通知
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 webhook 通知器；5xx 与网络错误会重试
func NewWebhookNotifier(url string, timeout time.Duration, retryCount int, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(100*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// Notify 发送检测事件
func (n *WebhookNotifier) Notify(ctx context.Context, event *models.DetectedEvent) error {
	payload := WebhookPayload{
		Type:      "detected",
		Email:     event.Email,
		DeviceID:  event.DeviceID,
		ImageName: event.ImageName,
		Message:   event.Message,
		Timestamp: event.TimestampMillis(),
		LogID:     event.LastLogID,
	}
	if url, ok := event.ImageURL.(string); ok {
		payload.ImageURL = url
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(n.url)
	if err != nil {
		metrics.IncNotification(metrics.ResultError)
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.IsError() {
		metrics.IncNotification(metrics.ResultError)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	metrics.IncNotification(metrics.ResultSuccess)
	n.logger.Debug("Webhook delivered",
		zap.String("email", event.Email),
		zap.String("log_id", event.LastLogID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
