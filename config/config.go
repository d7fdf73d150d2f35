// Package config loads the process configuration from environment
// variables, with optional .env overlay for local development.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Env       string `env:"ENV" envDefault:"development"`
	Addr      string `env:"STREAM_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Redis backend for sequencing, resume, JTI and audit.
	RedisURL      string `env:"REDIS_URL"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Rate limiting defaults.
	RateLimitQPS          float64 `env:"STREAM_RATE_LIMIT_QPS" envDefault:"10"`
	RateLimitConnections  int     `env:"STREAM_RATE_LIMIT_CONNECTIONS" envDefault:"10"`
	RateLimitBurst        int     `env:"STREAM_RATE_LIMIT_BURST" envDefault:"20"`
	RateLimiterIdleTTLSec int     `env:"RATE_LIMITER_IDLE_TTL" envDefault:"600"`

	// Publishing.
	AllowedTopics        []string `env:"STREAM_ALLOWED_TOPICS" envSeparator:","`
	PublisherEnabled     bool     `env:"STREAM_PUBLISHER_ENABLED" envDefault:"false"`
	DevPublishEnabled    bool     `env:"STREAM_DEV_PUBLISH_ENABLED" envDefault:"false"`
	DevPublishToken      string   `env:"STREAM_DEV_PUBLISH_TOKEN"`
	DevPublishTOTPSecret string   `env:"STREAM_DEV_PUBLISH_TOTP_SECRET"`

	// Resume store.
	ResumeBackend     string `env:"STREAM_RESUME_BACKEND" envDefault:"auto"`
	ResumeTTLSec      int    `env:"STREAM_RESUME_TTL_SECONDS" envDefault:"3600"`
	ResumeMaxItems    int    `env:"STREAM_RESUME_MAX_ITEMS" envDefault:"5000"`
	ResumeRedisPrefix string `env:"STREAM_RESUME_REDIS_PREFIX" envDefault:"sse:resume"`
	SeqRedisPrefix    string `env:"STREAM_SEQ_REDIS_PREFIX" envDefault:"sse:seq"`

	// Delivery tuning.
	QueueCapacity     int           `env:"STREAM_QUEUE_CAPACITY" envDefault:"1024"`
	HeartbeatInterval time.Duration `env:"STREAM_HEARTBEAT_INTERVAL" envDefault:"15s"`
	CORSOrigin        string        `env:"STREAM_CORS_ORIGIN"`

	// Token verification.
	AuthJWKSURL       string `env:"AUTH_JWKS_URL"`
	AuthJWTSecret     string `env:"AUTH_JWT_SECRET"`
	AuthAudience      string `env:"AUTH_AUDIENCE" envDefault:"stream"`
	AuthIssuer        string `env:"AUTH_ISSUER"`
	AuthLeewaySec     int    `env:"AUTH_LEEWAY_SEC" envDefault:"60"`
	AuthRequireTenant bool   `env:"AUTH_REQUIRE_TENANT" envDefault:"false"`

	// Audit.
	AuditEnabled       bool   `env:"TOKEN_AUDITING_ENABLED" envDefault:"true"`
	AuditRetentionDays int    `env:"TOKEN_AUDIT_RETENTION_DAYS" envDefault:"30"`
	AuditSQLitePath    string `env:"TOKEN_AUDIT_SQLITE_PATH"`

	// Ingest bridges.
	IngestRedisPrefix string `env:"STREAM_INGEST_REDIS_PREFIX" envDefault:"stream:pub:"`
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"astro.stream."`

	// Built-in demo producer.
	ProducerEnabled  bool          `env:"STREAM_PRODUCER_ENABLED" envDefault:"false"`
	ProducerTopic    string        `env:"STREAM_PRODUCER_TOPIC" envDefault:"moon"`
	ProducerInterval time.Duration `env:"STREAM_PRODUCER_INTERVAL" envDefault:"2s"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Load parses the environment into a Config. A .env file, when present,
// fills in unset variables first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Production reports whether the process runs with production hardening.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// RedisAddr resolves the Redis address from REDIS_URL or host/port parts.
func (c *Config) RedisAddr() string {
	if c.RedisURL != "" {
		addr := strings.TrimPrefix(c.RedisURL, "redis://")
		if i := strings.IndexByte(addr, '/'); i >= 0 {
			addr = addr[:i]
		}
		if i := strings.LastIndexByte(addr, '@'); i >= 0 {
			addr = addr[i+1:]
		}
		return addr
	}
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// RateLimiterIdleTTL returns the tenant GC threshold as a duration.
func (c *Config) RateLimiterIdleTTL() time.Duration {
	return time.Duration(c.RateLimiterIdleTTLSec) * time.Second
}

// ResumeTTL returns the per-topic resume window TTL as a duration.
func (c *Config) ResumeTTL() time.Duration {
	return time.Duration(c.ResumeTTLSec) * time.Second
}

// AuthLeeway returns the verifier clock skew allowance as a duration.
func (c *Config) AuthLeeway() time.Duration {
	return time.Duration(c.AuthLeewaySec) * time.Second
}

// AuditRetention returns the audit window as a duration.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// TopicAllowed checks the publish ACL. An empty allowlist denies all
// authenticated publishes.
func (c *Config) TopicAllowed(topic string) bool {
	for _, t := range c.AllowedTopics {
		if strings.TrimSpace(t) == topic {
			return true
		}
	}
	return false
}

// Validate enforces startup invariants.
func (c *Config) Validate() error {
	if c.AuthJWKSURL != "" && c.AuthJWTSecret != "" {
		return errors.New("config: AUTH_JWKS_URL and AUTH_JWT_SECRET are mutually exclusive")
	}
	if c.AuthJWKSURL == "" && c.AuthJWTSecret == "" {
		return errors.New("config: one of AUTH_JWKS_URL or AUTH_JWT_SECRET is required")
	}
	switch c.ResumeBackend {
	case "auto", "redis", "memory":
	default:
		return fmt.Errorf("config: invalid STREAM_RESUME_BACKEND %q", c.ResumeBackend)
	}
	if c.DevPublishEnabled && c.Production() {
		return errors.New("config: dev publish endpoint must not be enabled in production")
	}
	if c.DevPublishEnabled && c.DevPublishToken == "" && c.DevPublishTOTPSecret == "" {
		return errors.New("config: dev publish requires STREAM_DEV_PUBLISH_TOKEN or STREAM_DEV_PUBLISH_TOTP_SECRET")
	}
	return nil
}
