package main

import (
	"fmt"
	"strings"
	"time"
)

// config is populated from the environment. A .env file in the working
// directory is loaded first so local development does not need exported
// variables.
type config struct {
	Addr      string `env:"CREWLINE_ADDR,default=:8080"`
	LogLevel  string `env:"CREWLINE_LOG_LEVEL,default=info"`
	LogFormat string `env:"CREWLINE_LOG_FORMAT,default=json"`
	TLSCert   string `env:"CREWLINE_TLS_CERT"`
	TLSKey    string `env:"CREWLINE_TLS_KEY"`

	StorageDriver     string        `env:"CREWLINE_STORAGE_DRIVER,default=memory"`
	TenantDSNTemplate string        `env:"CREWLINE_TENANT_DSN_TEMPLATE"`
	PostgresMaxConns  int           `env:"CREWLINE_POSTGRES_MAX_CONNS"`
	PostgresMinConns  int           `env:"CREWLINE_POSTGRES_MIN_CONNS"`
	PostgresLifetime  time.Duration `env:"CREWLINE_POSTGRES_MAX_CONN_LIFETIME"`
	PostgresIdleTime  time.Duration `env:"CREWLINE_POSTGRES_MAX_CONN_IDLE"`
	PostgresTimeout   time.Duration `env:"CREWLINE_POSTGRES_CONNECT_TIMEOUT"`
	PostgresAppName   string        `env:"CREWLINE_POSTGRES_APP_NAME,default=crewline"`

	TenantTokens string `env:"CREWLINE_TENANT_TOKENS"`

	QueueDriver        string        `env:"CREWLINE_CHAT_QUEUE_DRIVER,default=memory"`
	QueueBuffer        int           `env:"CREWLINE_CHAT_QUEUE_BUFFER,default=256"`
	QueueRedisAddr     string        `env:"CREWLINE_CHAT_REDIS_ADDR"`
	QueueRedisAddrs    string        `env:"CREWLINE_CHAT_REDIS_ADDRS"`
	QueueRedisUsername string        `env:"CREWLINE_CHAT_REDIS_USERNAME"`
	QueueRedisPassword string        `env:"CREWLINE_CHAT_REDIS_PASSWORD"`
	QueueRedisStream   string        `env:"CREWLINE_CHAT_REDIS_STREAM"`
	QueueRedisGroup    string        `env:"CREWLINE_CHAT_REDIS_GROUP"`
	QueueRedisMaster   string        `env:"CREWLINE_CHAT_REDIS_SENTINEL_MASTER"`
	QueueRedisPoolSize int           `env:"CREWLINE_CHAT_REDIS_POOL_SIZE"`
	QueueRedisTLSCA    string        `env:"CREWLINE_CHAT_REDIS_TLS_CA"`
	QueueRedisTLSCert  string        `env:"CREWLINE_CHAT_REDIS_TLS_CERT"`
	QueueRedisTLSKey   string        `env:"CREWLINE_CHAT_REDIS_TLS_KEY"`
	QueueRedisTimeout  time.Duration `env:"CREWLINE_CHAT_REDIS_TIMEOUT"`

	HeartbeatInterval time.Duration `env:"CREWLINE_HEARTBEAT_INTERVAL,default=30s"`
	SendBuffer        int           `env:"CREWLINE_SEND_BUFFER,default=16"`
	ShutdownTimeout   time.Duration `env:"CREWLINE_SHUTDOWN_TIMEOUT,default=10s"`
	HealthInterval    time.Duration `env:"CREWLINE_STORE_HEALTH_INTERVAL,default=1m"`

	RetryAttempts int           `env:"CREWLINE_PERSIST_RETRY_ATTEMPTS"`
	RetryBase     time.Duration `env:"CREWLINE_PERSIST_RETRY_BASE,default=50ms"`
	RetryMax      time.Duration `env:"CREWLINE_PERSIST_RETRY_MAX,default=2s"`

	RateGlobalRPS        float64       `env:"CREWLINE_RATE_GLOBAL_RPS"`
	RateGlobalBurst      int           `env:"CREWLINE_RATE_GLOBAL_BURST"`
	RateHandshakeLimit   int           `env:"CREWLINE_RATE_HANDSHAKE_LIMIT"`
	RateHandshakeWindow  time.Duration `env:"CREWLINE_RATE_HANDSHAKE_WINDOW,default=1m"`
	RateRedisAddr        string        `env:"CREWLINE_RATE_REDIS_ADDR"`
	RateRedisPassword    string        `env:"CREWLINE_RATE_REDIS_PASSWORD"`
	RateRedisTimeout     time.Duration `env:"CREWLINE_RATE_REDIS_TIMEOUT,default=2s"`
	AllowedOriginsRaw    string        `env:"CREWLINE_ALLOWED_ORIGINS"`
}

func (c config) allowedOrigins() []string {
	return splitAndTrim(c.AllowedOriginsRaw)
}

func (c config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.StorageDriver)) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.TenantDSNTemplate) == "" {
			return fmt.Errorf("postgres storage requires CREWLINE_TENANT_DSN_TEMPLATE")
		}
		if !strings.Contains(c.TenantDSNTemplate, "%s") {
			return fmt.Errorf("CREWLINE_TENANT_DSN_TEMPLATE must contain a %%s tenant placeholder")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch strings.ToLower(strings.TrimSpace(c.QueueDriver)) {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.QueueRedisAddr) == "" && strings.TrimSpace(c.QueueRedisAddrs) == "" {
			return fmt.Errorf("redis queue requires CREWLINE_CHAT_REDIS_ADDR or CREWLINE_CHAT_REDIS_ADDRS")
		}
	default:
		return fmt.Errorf("unsupported chat queue driver %q", c.QueueDriver)
	}

	return nil
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
