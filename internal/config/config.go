// Package config loads provider runtime configuration from the environment,
// optionally seeded from a .env file or a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Every knob has a default that
// works against the mock backend; only the URLs and keys of a real
// deployment need to be set.
type Config struct {
	Log struct {
		Level  string `env:"PROVIDER_LOG_LEVEL,default=info" yaml:"level"`
		Format string `env:"PROVIDER_LOG_FORMAT,default=json" yaml:"format"`
	} `yaml:"log"`

	// Backend selects the concrete variant per provider family.
	Backend struct {
		Auth string `env:"PROVIDER_AUTH_BACKEND,default=rest" yaml:"auth"`
		Data string `env:"PROVIDER_DATA_BACKEND,default=rest" yaml:"data"`
		Chat string `env:"PROVIDER_CHAT_BACKEND,default=rest" yaml:"chat"`
	} `yaml:"backend"`

	HTTP struct {
		BaseURL string        `env:"PROVIDER_HTTP_BASE_URL,default=http://localhost:8080" yaml:"base_url"`
		APIKey  string        `env:"PROVIDER_HTTP_API_KEY" yaml:"api_key"`
		Timeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT,default=30s" yaml:"timeout"`
		// RateLimit caps outbound requests per second; zero disables it.
		RateLimit float64 `env:"PROVIDER_HTTP_RATE_LIMIT,default=0" yaml:"rate_limit"`
	} `yaml:"http"`

	Socket struct {
		URL               string        `env:"PROVIDER_SOCKET_URL,default=ws://localhost:8080/ws" yaml:"url"`
		HandshakeTimeout  time.Duration `env:"PROVIDER_SOCKET_HANDSHAKE_TIMEOUT,default=10s" yaml:"handshake_timeout"`
		HeartbeatInterval time.Duration `env:"PROVIDER_SOCKET_HEARTBEAT_INTERVAL,default=30s" yaml:"heartbeat_interval"`
	} `yaml:"socket"`

	Auth struct {
		// SafetyMargin is how long before token expiry the proactive
		// refresh fires.
		SafetyMargin time.Duration `env:"PROVIDER_AUTH_SAFETY_MARGIN,default=300s" yaml:"safety_margin"`
		// MinRefreshDelay floors the refresh delay so a backend returning
		// a tiny expires_in cannot cause a refresh storm.
		MinRefreshDelay time.Duration `env:"PROVIDER_AUTH_MIN_REFRESH_DELAY,default=60s" yaml:"min_refresh_delay"`
	} `yaml:"auth"`

	Chat struct {
		ReconnectBaseDelay  time.Duration `env:"PROVIDER_CHAT_RECONNECT_BASE_DELAY,default=1s" yaml:"reconnect_base_delay"`
		ReconnectMaxAttempt int           `env:"PROVIDER_CHAT_RECONNECT_MAX_ATTEMPTS,default=5" yaml:"reconnect_max_attempts"`
	} `yaml:"chat"`

	Store struct {
		// Driver is file, redis, or memory.
		Driver string `env:"PROVIDER_STORE_DRIVER,default=file" yaml:"driver"`
		// Path is the directory for the file driver.
		Path string `env:"PROVIDER_STORE_PATH,default=.providerkit" yaml:"path"`
		// Key is the hex-encoded 32-byte encryption key for the file driver.
		Key string `env:"PROVIDER_STORE_KEY" yaml:"key"`
		// Namespace prefixes every persisted key.
		Namespace string `env:"PROVIDER_STORE_NAMESPACE,default=providerkit" yaml:"namespace"`

		Redis struct {
			Addr     string `env:"PROVIDER_REDIS_ADDR,default=localhost:6379" yaml:"addr"`
			Password string `env:"PROVIDER_REDIS_PASSWORD" yaml:"password"`
			DB       int    `env:"PROVIDER_REDIS_DB,default=0" yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"store"`

	SQL struct {
		DSN string `env:"PROVIDER_SQL_DSN" yaml:"dsn"`
	} `yaml:"sql"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; its absence is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// LoadFile reads configuration from a YAML file. Fields the file leaves
// unset fall back to the same defaults Load uses.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Backend.Auth == "" {
		c.Backend.Auth = "rest"
	}
	if c.Backend.Data == "" {
		c.Backend.Data = "rest"
	}
	if c.Backend.Chat == "" {
		c.Backend.Chat = "rest"
	}
	if c.HTTP.BaseURL == "" {
		c.HTTP.BaseURL = "http://localhost:8080"
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.Socket.URL == "" {
		c.Socket.URL = "ws://localhost:8080/ws"
	}
	if c.Socket.HandshakeTimeout == 0 {
		c.Socket.HandshakeTimeout = 10 * time.Second
	}
	if c.Socket.HeartbeatInterval == 0 {
		c.Socket.HeartbeatInterval = 30 * time.Second
	}
	if c.Auth.SafetyMargin == 0 {
		c.Auth.SafetyMargin = 300 * time.Second
	}
	if c.Auth.MinRefreshDelay == 0 {
		c.Auth.MinRefreshDelay = 60 * time.Second
	}
	if c.Chat.ReconnectBaseDelay == 0 {
		c.Chat.ReconnectBaseDelay = time.Second
	}
	if c.Chat.ReconnectMaxAttempt == 0 {
		c.Chat.ReconnectMaxAttempt = 5
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "file"
	}
	if c.Store.Path == "" {
		c.Store.Path = ".providerkit"
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = "providerkit"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}
}
