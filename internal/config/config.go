package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "longevity-sync/pkg/config"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config longevity-sync settings, all from the environment
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	Database  commoncfg.DatabaseConfig

	// MemoryAutoCreateUsers in-memory mode only: unknown user ids are created on first sync
	MemoryAutoCreateUsers bool

	Redis struct {
		Enabled bool
		commoncfg.RedisConfig
	}
	Log struct {
		Level  string
		Format string
	}

	Sync    SyncConfig
	Reward  RewardConfig
	Oura    VendorConfig
	Google  VendorConfig
	Status  StatusConfig
	Events  EventsConfig
	MQTT    MQTTConfig
	Archive ArchiveConfig
	Cron    CronConfig
}

// SyncConfig fan-out and window policy
type SyncConfig struct {
	ProviderTimeout time.Duration
	WindowDays      int
	MaxUploadBytes  int64
}

// RewardBasis which count the reward is computed from
type RewardBasis string

const (
	RewardBasisCandidates RewardBasis = "candidates"
	RewardBasisInserted   RewardBasis = "inserted"
)

type RewardConfig struct {
	Rate  decimal.Decimal
	Basis RewardBasis
}

// VendorConfig REST vendor client settings
type VendorConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RetryCount        int
	RequestsPerSecond float64
	Burst             int
}

// StatusConfig Redis connection-status cache
type StatusConfig struct {
	CacheTTL time.Duration
}

// EventsConfig Redis stream for completed syncs
type EventsConfig struct {
	Stream    string
	StreamMax int64
}

// MQTTConfig sync trigger subscription (disabled by default)
type MQTTConfig struct {
	Enabled bool
	Topic   string
	commoncfg.MQTTConfig
}

// ArchiveConfig S3 archive of uploaded Apple exports; disabled without a bucket
type ArchiveConfig struct {
	commoncfg.S3Config
	Prefix string
}

// CronConfig periodic re-sync of active OAuth connections; empty spec disables it
type CronConfig struct {
	Spec        string
	Concurrency int
}

// Load reads an optional .env (ENV_FILE, default ".env") and then the environment
func Load() *Config {
	_ = godotenv.Load(getEnv("ENV_FILE", ".env"))

	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// without a reachable DB the service falls back to in-memory repositories
	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "longevity")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)
	cfg.Database.ConnMaxLifetime = parseDuration(getEnv("DB_CONN_MAX_LIFETIME", "30m"), 30*time.Minute)
	cfg.MemoryAutoCreateUsers = getEnv("MEMORY_AUTO_CREATE_USERS", "true") == "true"

	cfg.Redis.Enabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)
	cfg.Redis.PoolSize = parseInt(getEnv("REDIS_POOL_SIZE", "10"), 10)
	cfg.Redis.DialTimeout = parseDuration(getEnv("REDIS_DIAL_TIMEOUT", "2s"), 2*time.Second)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Sync.ProviderTimeout = parseDuration(getEnv("PROVIDER_TIMEOUT", "15s"), 15*time.Second)
	cfg.Sync.WindowDays = parseInt(getEnv("SYNC_WINDOW_DAYS", "30"), 30)
	cfg.Sync.MaxUploadBytes = int64(parseInt(getEnv("MAX_UPLOAD_MB", "256"), 256)) << 20

	cfg.Reward.Rate = parseDecimal(getEnv("REWARD_RATE", "0.1"), decimal.New(1, -1))
	cfg.Reward.Basis = RewardBasisCandidates
	if strings.EqualFold(getEnv("REWARD_BASIS", ""), string(RewardBasisInserted)) {
		cfg.Reward.Basis = RewardBasisInserted
	}

	cfg.Oura = VendorConfig{
		BaseURL:           getEnv("OURA_BASE_URL", "https://api.ouraring.com"),
		Timeout:           parseDuration(getEnv("OURA_HTTP_TIMEOUT", "10s"), 10*time.Second),
		RetryCount:        parseInt(getEnv("OURA_RETRY_COUNT", "0"), 0),
		RequestsPerSecond: parseFloat(getEnv("OURA_RATE_LIMIT", "5"), 5),
		Burst:             parseInt(getEnv("OURA_RATE_BURST", "5"), 5),
	}
	cfg.Google = VendorConfig{
		BaseURL:    getEnv("GOOGLE_FIT_BASE_URL", "https://www.googleapis.com"),
		Timeout:    parseDuration(getEnv("GOOGLE_FIT_HTTP_TIMEOUT", "10s"), 10*time.Second),
		RetryCount: parseInt(getEnv("GOOGLE_FIT_RETRY_COUNT", "0"), 0),
	}

	cfg.Status.CacheTTL = parseDuration(getEnv("STATUS_CACHE_TTL", "5m"), 5*time.Minute)
	cfg.Events.Stream = getEnv("SYNC_EVENTS_STREAM", "wearable:sync:completed")
	cfg.Events.StreamMax = int64(parseInt(getEnv("SYNC_EVENTS_MAXLEN", "10000"), 10000))

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "longevity-sync"
	cfg.MQTT.QoS = 1
	cfg.MQTT.MQTTConfig.LoadFromEnv("MQTT")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "wearables/sync-requests")

	cfg.Archive.Region = "us-east-1"
	cfg.Archive.S3Config.LoadFromEnv("APPLE_EXPORT")
	cfg.Archive.Prefix = getEnv("APPLE_EXPORT_PREFIX", "apple-health-exports")

	cfg.Cron.Spec = getEnv("AUTO_SYNC_CRON", "")
	cfg.Cron.Concurrency = parseInt(getEnv("AUTO_SYNC_CONCURRENCY", "4"), 4)

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseDecimal(s string, def decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return def
	}
	return d
}
