package config

import (
	"fmt"
	"os"
	"time"
)

// DatabaseConfig PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

// RedisConfig Redis connection settings
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// MQTTConfig MQTT broker settings
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// S3Config object storage settings (endpoint is optional, used for MinIO / localstack)
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// GetDSN builds the lib/pq connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv overrides fields from <prefix>_HOST, <prefix>_PORT, ...
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Port)
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	if maxConns := os.Getenv(prefix + "_MAX_CONNS"); maxConns != "" {
		fmt.Sscanf(maxConns, "%d", &c.MaxConns)
	}
	if maxIdle := os.Getenv(prefix + "_MAX_IDLE"); maxIdle != "" {
		fmt.Sscanf(maxIdle, "%d", &c.MaxIdle)
	}
	if lifetime := os.Getenv(prefix + "_CONN_MAX_LIFETIME"); lifetime != "" {
		if d, err := time.ParseDuration(lifetime); err == nil {
			c.ConnMaxLifetime = d
		}
	}
}

// LoadFromEnv overrides Redis fields from <prefix>_ADDR, _PASSWORD, _DB, _POOL_SIZE, _DIAL_TIMEOUT
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		fmt.Sscanf(db, "%d", &c.DB)
	}
	if poolSize := os.Getenv(prefix + "_POOL_SIZE"); poolSize != "" {
		fmt.Sscanf(poolSize, "%d", &c.PoolSize)
	}
	if dial := os.Getenv(prefix + "_DIAL_TIMEOUT"); dial != "" {
		if d, err := time.ParseDuration(dial); err == nil {
			c.DialTimeout = d
		}
	}
}

// LoadFromEnv overrides MQTT fields from <prefix>_BROKER, <prefix>_CLIENT_ID, ...
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if qos := os.Getenv(prefix + "_QOS"); qos != "" {
		var q int
		if _, err := fmt.Sscanf(qos, "%d", &q); err == nil && q >= 0 && q <= 2 {
			c.QoS = byte(q)
		}
	}
}

// LoadFromEnv overrides S3 fields from <prefix>_BUCKET, <prefix>_REGION, <prefix>_ENDPOINT
func (c *S3Config) LoadFromEnv(prefix string) {
	if bucket := os.Getenv(prefix + "_BUCKET"); bucket != "" {
		c.Bucket = bucket
	}
	if region := os.Getenv(prefix + "_REGION"); region != "" {
		c.Region = region
	}
	if endpoint := os.Getenv(prefix + "_ENDPOINT"); endpoint != "" {
		c.Endpoint = endpoint
	}
}

// Enabled reports whether an archive bucket is configured
func (c *S3Config) Enabled() bool {
	return c.Bucket != ""
}
