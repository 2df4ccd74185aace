package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all coordinator configuration from environment variables.
type Config struct {
	// Storage. StoreURL selects the Redis backend when set (redis:// or
	// rediss://); otherwise the embedded BoltDB at DBPath is used.
	StoreURL   string
	DBPath     string
	CACertPath string // root CA for rediss:// connections

	// HTTP
	BindHost    string
	Port        int
	BehindProxy bool // trust X-Forwarded-For / X-Real-IP

	// Auth secrets. When all three are empty the coordinator runs in dev
	// mode: every request passes with an anonymous identity.
	ServerSecret     string
	AdminKey         string
	ProxyBearerToken string

	// Lifecycle
	HeartbeatTTL time.Duration // agent considered offline past this
	MessageTTL   time.Duration // inbox/notify/blob retention

	// Rate limiting
	RateLimitPath string // optional YAML policy override file

	// External URL used for absolute blob download links.
	CoordinatorURL string

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		StoreURL:         envStr("C3PO_STORE_URL", ""),
		DBPath:           envStr("C3PO_DB_PATH", "/data/c3po.db"),
		CACertPath:       envStr("C3PO_CA_CERT_PATH", ""),
		BindHost:         envStr("C3PO_BIND_HOST", "0.0.0.0"),
		Port:             envInt("C3PO_PORT", 8420),
		BehindProxy:      envBool("C3PO_BEHIND_PROXY", false),
		ServerSecret:     envStr("C3PO_SERVER_SECRET", ""),
		AdminKey:         envStr("C3PO_ADMIN_KEY", ""),
		ProxyBearerToken: envStr("C3PO_PROXY_BEARER_TOKEN", ""),
		HeartbeatTTL:     envDuration("C3PO_HEARTBEAT_TTL", 15*time.Minute),
		MessageTTL:       envDuration("C3PO_MESSAGE_TTL", 24*time.Hour),
		RateLimitPath:    envStr("C3PO_RATE_LIMITS", ""),
		CoordinatorURL:   envStr("C3PO_COORDINATOR_URL", ""),
		LogJSON:          envBool("C3PO_LOG_JSON", true),
	}
}

// DevMode reports whether authentication is disabled because no secrets
// are configured.
func (c *Config) DevMode() bool {
	return c.ServerSecret == "" && c.AdminKey == "" && c.ProxyBearerToken == ""
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("C3PO_PORT must be in 1-65535, got %d", c.Port))
	}
	if c.HeartbeatTTL <= 0 {
		errs = append(errs, fmt.Errorf("C3PO_HEARTBEAT_TTL must be > 0, got %s", c.HeartbeatTTL))
	}
	if c.MessageTTL <= 0 {
		errs = append(errs, fmt.Errorf("C3PO_MESSAGE_TTL must be > 0, got %s", c.MessageTTL))
	}
	if c.StoreURL == "" && c.DBPath == "" {
		errs = append(errs, errors.New("one of C3PO_STORE_URL or C3PO_DB_PATH must be set"))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
