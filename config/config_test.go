package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", "unit-test-secret")
	t.Setenv("AUTH_JWKS_URL", "")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("addr: got %q", cfg.Addr)
	}
	if cfg.RateLimitQPS != 10 || cfg.RateLimitBurst != 20 || cfg.RateLimitConnections != 10 {
		t.Errorf("rate limit defaults: %+v", cfg)
	}
	if cfg.RateLimiterIdleTTL() != 600*time.Second {
		t.Errorf("idle ttl: got %v", cfg.RateLimiterIdleTTL())
	}
	if cfg.ResumeBackend != "auto" || cfg.ResumeMaxItems != 5000 {
		t.Errorf("resume defaults: %q %d", cfg.ResumeBackend, cfg.ResumeMaxItems)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("heartbeat: got %v", cfg.HeartbeatInterval)
	}
	if cfg.Production() {
		t.Error("development env reported as production")
	}
}

func TestRedisAddr(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"host port", Config{RedisHost: "redis.internal", RedisPort: 6380}, "redis.internal:6380"},
		{"url", Config{RedisURL: "redis://cache:6379"}, "cache:6379"},
		{"url with auth and db", Config{RedisURL: "redis://:pw@cache:6379/2"}, "cache:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.RedisAddr(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(c *Config) {}, false},
		{"both auth keys", func(c *Config) { c.AuthJWKSURL = "https://x/jwks" }, true},
		{"no auth keys", func(c *Config) { c.AuthJWTSecret = "" }, true},
		{"bad resume backend", func(c *Config) { c.ResumeBackend = "postgres" }, true},
		{"dev publish in production", func(c *Config) {
			c.Env = "production"
			c.DevPublishEnabled = true
			c.DevPublishToken = "x"
		}, true},
		{"dev publish without secret", func(c *Config) { c.DevPublishEnabled = true }, true},
		{"dev publish with totp", func(c *Config) {
			c.DevPublishEnabled = true
			c.DevPublishTOTPSecret = "JBSWY3DPEHPK3PXP"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{AuthJWTSecret: "k", ResumeBackend: "auto"}
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTopicAllowed(t *testing.T) {
	cfg := Config{AllowedTopics: []string{"moon", " mars "}}
	if !cfg.TopicAllowed("moon") || !cfg.TopicAllowed("mars") {
		t.Error("allowlisted topics rejected")
	}
	if cfg.TopicAllowed("venus") {
		t.Error("unlisted topic allowed")
	}
	empty := Config{}
	if empty.TopicAllowed("moon") {
		t.Error("empty allowlist must deny")
	}
}
