package config

import (
	"os"
	"strconv"
	"strings"
)

// Config 告警动作引擎配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	// 全局屏蔽开关，开启后所有告警仅产生父任务并记录屏蔽流水
	GlobalShieldEnabled bool

	// 消息队列推送
	EnableMessageQueue bool
	MessageQueueDSN    string

	// 渠道内容长度限制（字节）
	SMSContentLength       int
	NoticeMessageMaxLength map[string]int

	TimeZone              string
	DatetimeFormat        string
	CompatibleAlarmFormat bool

	// 周期通知
	IntervalNotifyFactor int   // increasing 模式的倍增因子
	IntervalNotifyCap    int64 // 周期上限（秒）

	// 通知通道
	SMTP struct {
		Host     string
		Port     int
		Username string
		Password string
		From     string
		Domain   string // 收件人缺省邮箱域
	}
	GatewayURL     string // 蓝鲸消息网关（短信/微信/语音等）
	GatewayTimeout int    // 秒

	// 插件后端接口
	JobAPIURL         string
	SopsAPIURL        string
	ItsmAPIURL        string
	PluginCallTimeout int // 秒

	Metrics struct {
		ListenAddr string // 空表示不暴露指标端口
	}

	// 引擎运行参数
	Engine struct {
		WorkerCount         int     // 每个执行队列的并发 worker 数
		PollInterval        int     // 周期调度器 tick（秒）
		TimeoutScanInterval int     // 超时扫描间隔（秒）
		ConvergeGrace       int64   // 收敛窗口过期宽限（秒）
		ShardBizIDs         []int64 // 本实例负责的业务分片，空表示全量
	}

	Log struct {
		Level  string
		Format string
	}
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load 从环境变量加载配置（默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "bkmonitor_fta")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.GlobalShieldEnabled = getEnvBool("GLOBAL_SHIELD_ENABLED", false)
	cfg.EnableMessageQueue = getEnvBool("ENABLE_MESSAGE_QUEUE", false)
	cfg.MessageQueueDSN = getEnv("MESSAGE_QUEUE_DSN", "")

	cfg.SMSContentLength = getEnvInt("SMS_CONTENT_LENGTH", 140)
	cfg.NoticeMessageMaxLength = map[string]int{
		"wxwork-bot": getEnvInt("WXWORK_BOT_MESSAGE_MAX_LENGTH", 4096),
		"weixin":     getEnvInt("WEIXIN_MESSAGE_MAX_LENGTH", 2048),
	}

	cfg.TimeZone = getEnv("TIME_ZONE", "Asia/Shanghai")
	cfg.DatetimeFormat = getEnv("DATETIME_FORMAT", "2006-01-02 15:04:05")
	cfg.CompatibleAlarmFormat = getEnvBool("COMPATIBLE_ALARM_FORMAT", true)

	cfg.IntervalNotifyFactor = getEnvInt("INTERVAL_NOTIFY_FACTOR", 2)
	cfg.IntervalNotifyCap = int64(getEnvInt("INTERVAL_NOTIFY_CAP", 86400))

	cfg.SMTP.Host = getEnv("SMTP_HOST", "")
	cfg.SMTP.Port = getEnvInt("SMTP_PORT", 25)
	cfg.SMTP.Username = getEnv("SMTP_USERNAME", "")
	cfg.SMTP.Password = getEnv("SMTP_PASSWORD", "")
	cfg.SMTP.From = getEnv("SMTP_FROM", "")
	cfg.SMTP.Domain = getEnv("SMTP_DOMAIN", "")
	cfg.GatewayURL = getEnv("BK_GATEWAY_URL", "")
	cfg.GatewayTimeout = getEnvInt("BK_GATEWAY_TIMEOUT", 10)

	cfg.JobAPIURL = getEnv("JOB_API_URL", "")
	cfg.SopsAPIURL = getEnv("SOPS_API_URL", "")
	cfg.ItsmAPIURL = getEnv("ITSM_API_URL", "")
	cfg.PluginCallTimeout = getEnvInt("PLUGIN_CALL_TIMEOUT", 30)

	cfg.Metrics.ListenAddr = getEnv("METRICS_LISTEN_ADDR", "")

	cfg.Engine.WorkerCount = getEnvInt("ENGINE_WORKER_COUNT", 8)
	cfg.Engine.PollInterval = getEnvInt("ENGINE_POLL_INTERVAL", 60)
	cfg.Engine.TimeoutScanInterval = getEnvInt("ENGINE_TIMEOUT_SCAN_INTERVAL", 60)
	cfg.Engine.ConvergeGrace = int64(getEnvInt("ENGINE_CONVERGE_GRACE", 300))
	cfg.Engine.ShardBizIDs = getEnvInt64List("ENGINE_SHARD_BIZ_IDS")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// OwnsBiz 当前实例是否负责指定业务
func (c *Config) OwnsBiz(bizID int64) bool {
	if len(c.Engine.ShardBizIDs) == 0 {
		return true
	}
	for _, id := range c.Engine.ShardBizIDs {
		if id == bizID {
			return true
		}
	}
	return false
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt64List(key string) []int64 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(value, ",") {
		if n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}
