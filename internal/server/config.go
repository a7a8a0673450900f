package server

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

const (
	defaultPort              = ":8080"
	defaultAllowedOrigins    = "http://localhost:8080"
	defaultMaxMessageSize    = 4096
	defaultRateLimitBurst    = 5
	defaultRateLimitInterval = time.Second
	defaultSendBufferSize    = 256
	defaultShutdownTimeout   = 10 * time.Second
	defaultLogLevel          = "INFO"
	originListSeparator      = ","
	allowAllOriginsWildcard  = "*"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" validate:"gt=0"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" validate:"gt=0"`
}

// Config holds the server settings. Zero values are replaced with defaults by
// Sanitize.
type Config struct {
	Port            string        `env:"SERVER_PORT" validate:"required"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE" validate:"gt=0"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	LogLevel        string        `env:"LOG_LEVEL" validate:"oneof=DEBUG INFO WARN ERROR"`

	RateLimit RateLimitConfig
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() Config {
	return Config{
		Port:            defaultPort,
		AllowedOrigins:  defaultAllowedOrigins,
		MaxMessageSize:  defaultMaxMessageSize,
		SendBufferSize:  defaultSendBufferSize,
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        defaultLogLevel,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateLimitBurst,
			RefillInterval: defaultRateLimitInterval,
		},
	}
}

// LoadConfig reads the configuration from the process environment, fills the
// unset fields with defaults and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	cfg = Sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitize replaces missing or non-positive values with their defaults.
func Sanitize(cfg Config) Config {
	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if strings.TrimSpace(cfg.AllowedOrigins) == "" {
		cfg.AllowedOrigins = defaultAllowedOrigins
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateLimitBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRateLimitInterval
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	return cfg
}

// Validate checks the configuration against its struct constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Origins splits the comma separated AllowedOrigins value.
func (c Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, originListSeparator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
