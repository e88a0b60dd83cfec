package config

import (
	"os"
	"strconv"

	"carelink-sync/common/config"
)

// Config 同步与升级引擎配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 同步配置
	Sync struct {
		FullTimeoutSec     int // FULL/MANUAL 策略单次发送超时（秒），默认 30
		CriticalTimeoutSec int // CRITICAL/EMERGENCY 策略单次发送超时（秒），默认 10
		MaxConcurrent      int // 照护者并发上限，默认 4
	}

	// 离线队列配置
	Queue struct {
		DefaultMaxRetries int    // 默认最大重试次数，默认 5
		BackoffStepMs     int    // 退避步长（毫秒），backoff = retryCount * step，默认 60000
		DrainIntervalSec  int    // 后台排空轮询间隔（秒），默认 30
		DrainLockKey      string // 排空互斥锁键（跨进程防重入）
		DrainLockTTLSec   int    // 排空互斥锁 TTL（秒），默认 120
	}

	// 升级调度配置
	Escalation struct {
		ChannelTimeoutSec     int    // 单通道尝试超时（秒），默认 15
		CriticalWindowHours   int    // 危急警报回看窗口（小时），默认 24
		CriticalCountTrigger  int    // 窗口内触发紧急服务的危急警报数，默认 3
		NationalHotlineNumber string // 全部联系通道失败后的兜底号码
	}

	// 安全门配置
	Security struct {
		RateLimitWindowMin   int    // 速率限制窗口（分钟），默认 60
		RateLimitMax         int    // 窗口内允许的模式切换次数，默认 3
		SuspiciousAlertMin   int    // 可疑活动告警下限，默认 3
		LockoutThreshold     int    // 累计可疑事件锁定阈值，默认 10
		ElderlyAgeThreshold  int    // 高龄保护年龄阈值，默认 75
		EscapeWindowMin      int    // 紧急逃生标志有效期（分钟），默认 60
		SuspiciousWindowHour int    // 可疑事件滚动窗口（小时），默认 24
		CounterKeyPrefix     string // Redis 计数器键前缀，如 "carelink:security:"
		EscapeKeyPrefix      string // Redis 逃生标志键前缀，如 "carelink:escape:"
		AdvocateContact      string // 老人权益维护人联系地址
	}

	// 审计配置
	Audit struct {
		StreamName string // Redis Stream 名称（供下游消费）
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（含默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "carelink")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "carelink-sync")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	// 同步配置
	cfg.Sync.FullTimeoutSec = getEnvInt("SYNC_FULL_TIMEOUT_SEC", 30)
	cfg.Sync.CriticalTimeoutSec = getEnvInt("SYNC_CRITICAL_TIMEOUT_SEC", 10)
	cfg.Sync.MaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 4)

	// 离线队列配置
	cfg.Queue.DefaultMaxRetries = getEnvInt("QUEUE_MAX_RETRIES", 5)
	cfg.Queue.BackoffStepMs = getEnvInt("QUEUE_BACKOFF_STEP_MS", 60000)
	cfg.Queue.DrainIntervalSec = getEnvInt("QUEUE_DRAIN_INTERVAL_SEC", 30)
	cfg.Queue.DrainLockKey = getEnv("QUEUE_DRAIN_LOCK_KEY", "carelink:queue:drain_lock")
	cfg.Queue.DrainLockTTLSec = getEnvInt("QUEUE_DRAIN_LOCK_TTL_SEC", 120)

	// 升级调度配置
	cfg.Escalation.ChannelTimeoutSec = getEnvInt("ESCALATION_CHANNEL_TIMEOUT_SEC", 15)
	cfg.Escalation.CriticalWindowHours = getEnvInt("ESCALATION_CRITICAL_WINDOW_HOURS", 24)
	cfg.Escalation.CriticalCountTrigger = getEnvInt("ESCALATION_CRITICAL_COUNT_TRIGGER", 3)
	cfg.Escalation.NationalHotlineNumber = getEnv("ESCALATION_NATIONAL_HOTLINE", "988")

	// 安全门配置
	cfg.Security.RateLimitWindowMin = getEnvInt("SECURITY_RATE_LIMIT_WINDOW_MIN", 60)
	cfg.Security.RateLimitMax = getEnvInt("SECURITY_RATE_LIMIT_MAX", 3)
	cfg.Security.SuspiciousAlertMin = getEnvInt("SECURITY_SUSPICIOUS_ALERT_MIN", 3)
	cfg.Security.LockoutThreshold = getEnvInt("SECURITY_LOCKOUT_THRESHOLD", 10)
	cfg.Security.ElderlyAgeThreshold = getEnvInt("SECURITY_ELDERLY_AGE_THRESHOLD", 75)
	cfg.Security.EscapeWindowMin = getEnvInt("SECURITY_ESCAPE_WINDOW_MIN", 60)
	cfg.Security.SuspiciousWindowHour = getEnvInt("SECURITY_SUSPICIOUS_WINDOW_HOUR", 24)
	cfg.Security.CounterKeyPrefix = getEnv("SECURITY_COUNTER_PREFIX", "carelink:security:")
	cfg.Security.EscapeKeyPrefix = getEnv("SECURITY_ESCAPE_PREFIX", "carelink:escape:")
	cfg.Security.AdvocateContact = getEnv("SECURITY_ADVOCATE_CONTACT", "advocate@elder-rights.org")

	// 审计配置
	cfg.Audit.StreamName = getEnv("AUDIT_STREAM_NAME", "carelink:audit:events")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
