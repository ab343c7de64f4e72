package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger 创建服务日志
// level: "debug" / "info" / "warn" / "error"，无法识别时使用 info
// format: "console" 为开发模式输出，其余为 JSON（生产模式）
// serviceName: 服务名称（如 "antitheft-alarm"），为空时不添加
func NewLogger(level string, format string, serviceName string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := newConfig(format)
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	baseLogger, err := config.Build()
	if err != nil {
		return nil, err
	}

	// 全局字段：同一 Redis 上可能同时运行报警服务和 API 服务
	fields := make([]zap.Field, 0, 2)
	if serviceName != "" {
		fields = append(fields, zap.String("service_name", serviceName))
	}
	// 主机名即默认的变更流消费者名
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		fields = append(fields, zap.String("hostname", hostname))
	}

	return baseLogger.With(fields...), nil
}

func newConfig(format string) zap.Config {
	if format == "console" {
		// 控制台输出
		return zap.NewDevelopmentConfig()
	}

	// JSON 输出到标准输出（便于容器日志采集）
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	return config
}
