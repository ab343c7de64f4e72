package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"antitheft-alarm/internal/common/config"

	"gopkg.in/yaml.v3"
)

// 报警状态的写入范围
const (
	ScopeGlobal = "global" // system_status/alarm_active
	ScopeDevice = "device" // system_status/devices/{deviceId}/alarm_active
)

// Config 防盗报警服务配置
type Config struct {
	Database  config.DatabaseConfig `yaml:"database"`
	DBEnabled bool                  `yaml:"db_enabled"`
	Redis     config.RedisConfig    `yaml:"redis"`

	MQTT        config.MQTTConfig `yaml:"mqtt"`
	MQTTEnabled bool              `yaml:"mqtt_enabled"`

	Storage config.StorageConfig `yaml:"storage"`

	// 层级存储
	RTDB struct {
		KeyPrefix    string `yaml:"key_prefix"`    // 记录根键前缀，如 "rtdb:"
		ChangeStream string `yaml:"change_stream"` // 变更流，如 "rtdb:changes"
		StreamMaxLen int64  `yaml:"stream_max_len"`
	} `yaml:"rtdb"`

	// 触发器消费配置
	Trigger struct {
		ConsumerGroup string        `yaml:"consumer_group"`
		ConsumerName  string        `yaml:"consumer_name"`
		BatchSize     int64         `yaml:"batch_size"`
		RetryInterval time.Duration `yaml:"retry_interval"`
		MaxDeliveries int64         `yaml:"max_deliveries"` // 超过后确认并丢弃
		ClaimMinIdle  time.Duration `yaml:"claim_min_idle"` // 认领其他消费者遗留消息前的最小空闲时间
	} `yaml:"trigger"`

	Alarm struct {
		DefaultTimezone  string `yaml:"default_timezone"`
		Scope            string `yaml:"scope"`             // global / device
		UnifiedRecompute bool   `yaml:"unified_recompute"` // 配置变化时使用与 shutdown 变化相同的规则
		StatusTopic      string `yaml:"status_topic"`      // MQTT 保留消息主题
		TopicPrefix      string `yaml:"topic_prefix"`      // 设备上行主题前缀
	} `yaml:"alarm"`

	Notify struct {
		WebhookURL string        `yaml:"webhook_url"`
		Timeout    time.Duration `yaml:"timeout"`
		RetryCount int           `yaml:"retry_count"`
	} `yaml:"notify"`

	HTTP struct {
		Addr          string        `yaml:"addr"`
		MetricsAddr   string        `yaml:"metrics_addr"`
		SessionSecret string        `yaml:"session_secret"`
		SessionTTL    time.Duration `yaml:"session_ttl"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置：默认值 → CONFIG_FILE（YAML）→ 环境变量
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.Database.LoadFromEnv("DB")
	cfg.DBEnabled = getEnvBool("DB_ENABLED", cfg.DBEnabled)
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")
	cfg.MQTTEnabled = getEnvBool("MQTT_ENABLED", cfg.MQTTEnabled)
	cfg.Storage.LoadFromEnv("STORAGE")

	cfg.RTDB.KeyPrefix = getEnv("RTDB_KEY_PREFIX", cfg.RTDB.KeyPrefix)
	cfg.RTDB.ChangeStream = getEnv("RTDB_CHANGE_STREAM", cfg.RTDB.ChangeStream)
	cfg.RTDB.StreamMaxLen = int64(getEnvInt("RTDB_STREAM_MAX_LEN", int(cfg.RTDB.StreamMaxLen)))

	cfg.Trigger.ConsumerGroup = getEnv("TRIGGER_CONSUMER_GROUP", cfg.Trigger.ConsumerGroup)
	cfg.Trigger.ConsumerName = getEnv("TRIGGER_CONSUMER_NAME", cfg.Trigger.ConsumerName)
	cfg.Trigger.BatchSize = int64(getEnvInt("TRIGGER_BATCH_SIZE", int(cfg.Trigger.BatchSize)))
	cfg.Trigger.RetryInterval = getEnvDuration("TRIGGER_RETRY_INTERVAL", cfg.Trigger.RetryInterval)
	cfg.Trigger.MaxDeliveries = int64(getEnvInt("TRIGGER_MAX_DELIVERIES", int(cfg.Trigger.MaxDeliveries)))
	cfg.Trigger.ClaimMinIdle = getEnvDuration("TRIGGER_CLAIM_MIN_IDLE", cfg.Trigger.ClaimMinIdle)

	cfg.Alarm.DefaultTimezone = getEnv("ALARM_DEFAULT_TIMEZONE", cfg.Alarm.DefaultTimezone)
	cfg.Alarm.Scope = getEnv("ALARM_SCOPE", cfg.Alarm.Scope)
	cfg.Alarm.UnifiedRecompute = getEnvBool("ALARM_UNIFIED_RECOMPUTE", cfg.Alarm.UnifiedRecompute)
	cfg.Alarm.StatusTopic = getEnv("ALARM_STATUS_TOPIC", cfg.Alarm.StatusTopic)
	cfg.Alarm.TopicPrefix = getEnv("ALARM_TOPIC_PREFIX", cfg.Alarm.TopicPrefix)

	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", cfg.Notify.WebhookURL)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.MetricsAddr = getEnv("METRICS_ADDR", cfg.HTTP.MetricsAddr)
	cfg.HTTP.SessionSecret = getEnv("SESSION_SECRET", cfg.HTTP.SessionSecret)
	if hours := getEnvInt("SESSION_TTL_HOURS", 0); hours > 0 {
		cfg.HTTP.SessionTTL = time.Duration(hours) * time.Hour
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "antitheft"
	cfg.Database.SSLMode = "disable"
	cfg.Database.ConnMaxLifetime = 30 * time.Minute

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "antitheft-alarm"
	cfg.MQTT.QoS = 1

	cfg.Storage.Prefix = "camera_captures/"

	cfg.RTDB.KeyPrefix = "rtdb:"
	cfg.RTDB.ChangeStream = "rtdb:changes"
	cfg.RTDB.StreamMaxLen = 100000

	cfg.Trigger.ConsumerGroup = "antitheft-triggers"
	cfg.Trigger.ConsumerName = defaultConsumerName()
	cfg.Trigger.BatchSize = 50
	cfg.Trigger.RetryInterval = 30 * time.Second
	cfg.Trigger.MaxDeliveries = 5
	cfg.Trigger.ClaimMinIdle = time.Minute

	cfg.Alarm.DefaultTimezone = "Asia/Ho_Chi_Minh"
	cfg.Alarm.Scope = ScopeGlobal
	cfg.Alarm.StatusTopic = "antitheft/system_status/alarm_active"
	cfg.Alarm.TopicPrefix = "antitheft"

	cfg.Notify.Timeout = 5 * time.Second
	cfg.Notify.RetryCount = 2

	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.MetricsAddr = ":9090"
	cfg.HTTP.SessionTTL = 24 * time.Hour

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Alarm.Scope != ScopeGlobal && c.Alarm.Scope != ScopeDevice {
		return fmt.Errorf("invalid ALARM_SCOPE %q: must be %q or %q", c.Alarm.Scope, ScopeGlobal, ScopeDevice)
	}
	if c.Trigger.BatchSize <= 0 {
		return fmt.Errorf("invalid TRIGGER_BATCH_SIZE %d", c.Trigger.BatchSize)
	}
	if c.Trigger.MaxDeliveries <= 0 {
		return fmt.Errorf("invalid TRIGGER_MAX_DELIVERIES %d", c.Trigger.MaxDeliveries)
	}
	if c.Trigger.RetryInterval <= 0 {
		return fmt.Errorf("invalid TRIGGER_RETRY_INTERVAL %s", c.Trigger.RetryInterval)
	}
	if c.Trigger.ClaimMinIdle <= 0 {
		return fmt.Errorf("invalid TRIGGER_CLAIM_MIN_IDLE %s", c.Trigger.ClaimMinIdle)
	}
	return nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func defaultConsumerName() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "antitheft-alarm"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
