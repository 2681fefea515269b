package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"RT_ADDR" envDefault:":3010"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Backplane
	NATSURL              string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSMaxReconnects    int           `env:"NATS_MAX_RECONNECTS" envDefault:"60"`
	NATSReconnectWait    time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
	BackplaneRequired    bool          `env:"BACKPLANE_REQUIRED" envDefault:"false"`

	// Presence store
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Token verification
	TokenSecret   string        `env:"TOKEN_SECRET" envDefault:"dev-secret-do-not-use"`
	TokenIssuer   string        `env:"TOKEN_ISSUER" envDefault:"quickserve-api"`
	TokenLeeway   time.Duration `env:"TOKEN_LEEWAY" envDefault:"30s"`
	LookupTimeout time.Duration `env:"IDENTITY_LOOKUP_TIMEOUT" envDefault:"4s"`

	// Development auth bypass. Ignored unless Environment != "production".
	AuthBypass bool `env:"AUTH_BYPASS" envDefault:"false"`

	// Presence
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	SweepInterval    time.Duration `env:"PRESENCE_SWEEP_INTERVAL" envDefault:"15s"`

	// Capacity
	MaxConnections int `env:"RT_MAX_CONNECTIONS" envDefault:"10000"`

	// Connection rate limiting (per source IP)
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	RateLimitThreshold int           `env:"RATE_LIMIT_THRESHOLD" envDefault:"10"`
	RateLimitGlobal    int           `env:"RATE_LIMIT_GLOBAL" envDefault:"300"`

	// CPU admission threshold, percent of allocation
	CPURejectThreshold float64 `env:"RT_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production uses env vars directly.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RT_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("RT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be > 0, got %s", c.HeartbeatTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("PRESENCE_SWEEP_INTERVAL must be > 0, got %s", c.SweepInterval)
	}
	if c.SweepInterval > c.HeartbeatTimeout {
		return fmt.Errorf("PRESENCE_SWEEP_INTERVAL (%s) must be <= HEARTBEAT_TIMEOUT (%s)",
			c.SweepInterval, c.HeartbeatTimeout)
	}
	if c.RateLimitThreshold < 1 {
		return fmt.Errorf("RATE_LIMIT_THRESHOLD must be > 0, got %d", c.RateLimitThreshold)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0, got %s", c.RateLimitWindow)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("RT_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.LookupTimeout < time.Second || c.LookupTimeout > 10*time.Second {
		return fmt.Errorf("IDENTITY_LOOKUP_TIMEOUT must be 1s-10s, got %s", c.LookupTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// BypassEnabled reports whether the development auth bypass is active.
// The flag alone is not enough; production mode always disables it.
func (c *Config) BypassEnabled() bool {
	return c.AuthBypass && !c.IsProduction()
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Str("redis_addr", c.RedisAddr).
		Bool("backplane_required", c.BackplaneRequired).
		Bool("auth_bypass", c.BypassEnabled()).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Dur("sweep_interval", c.SweepInterval).
		Int("max_connections", c.MaxConnections).
		Int("rate_limit_threshold", c.RateLimitThreshold).
		Dur("rate_limit_window", c.RateLimitWindow).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
