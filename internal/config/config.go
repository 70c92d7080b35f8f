package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Server
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	// Tunnel limits
	MaxWSPayloadBytes     int `env:"MAX_WS_PAYLOAD_BYTES" envDefault:"65536"`
	RequestTimeoutSeconds int `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"30"`
	WSPingIntervalSeconds int `env:"WS_PING_INTERVAL_SECONDS" envDefault:"10"`
	WSPongTimeoutSeconds  int `env:"WS_PONG_TIMEOUT_SECONDS" envDefault:"5"`

	// Shared store
	StoreHost     string `env:"STORE_HOST" envDefault:"localhost"`
	StorePort     int    `env:"STORE_PORT" envDefault:"6379"`
	StoreDB       int    `env:"STORE_DB" envDefault:"0"`
	StorePassword string `env:"STORE_PASSWORD"`

	// Registry TTLs (seconds)
	TunnelRegistryTTL int `env:"TUNNEL_REGISTRY_TTL" envDefault:"300"`
	SlugCacheTTL      int `env:"SLUG_CACHE_TTL" envDefault:"60"`

	// Control plane
	ControlPlaneURL string `env:"CONTROL_PLANE_URL" envDefault:"http://localhost:8000"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreAddr returns the host:port of the shared store.
func (c *Config) StoreAddr() string {
	return fmt.Sprintf("%s:%d", c.StoreHost, c.StorePort)
}

// RequestTimeout is the end-to-end deadline for a forwarded request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PingInterval is the interval between heartbeat pings to an agent.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WSPingIntervalSeconds) * time.Second
}

// PongTimeout is how long the heartbeat waits after a ping before checking
// the last pong timestamp.
func (c *Config) PongTimeout() time.Duration {
	return time.Duration(c.WSPongTimeoutSeconds) * time.Second
}

// RegistryTTL is the TTL on tunnel ownership records in the shared store.
func (c *Config) RegistryTTL() time.Duration {
	return time.Duration(c.TunnelRegistryTTL) * time.Second
}

// SlugTTL is the TTL on cached slug resolutions.
func (c *Config) SlugTTL() time.Duration {
	return time.Duration(c.SlugCacheTTL) * time.Second
}
