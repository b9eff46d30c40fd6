package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	DSN             string        `envconfig:"DB_DSN" required:"true"`
	JWTSecret       string        `envconfig:"JWT_SECRET" required:"true"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Empty means single instance: no peer broker.
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"chat:deliver"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	WSConfig
	ChatConfig
}

type WSConfig struct {
	SendBuffer     int   `envconfig:"WS_SEND_BUFFER" default:"256"`
	MaxMessageSize int64 `envconfig:"WS_MAX_MESSAGE_SIZE" default:"65536"`
	// When set, the handshake must carry a JWT whose subject equals the userId query parameter.
	RequireToken bool `envconfig:"WS_REQUIRE_TOKEN" default:"false"`
}

type ChatConfig struct {
	ErrorEvents bool    `envconfig:"CHAT_ERROR_EVENTS" default:"false"`
	RateLimit   float64 `envconfig:"CHAT_RATE_LIMIT" default:"0"`
	RateBurst   int     `envconfig:"CHAT_RATE_BURST" default:"10"`
}

// Load reads an optional .env file and then decodes the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", cfg.SendBuffer)
	}
	if cfg.RateLimit > 0 && cfg.RateBurst < 1 {
		return nil, fmt.Errorf("CHAT_RATE_BURST must be at least 1 when CHAT_RATE_LIMIT is set, got %d", cfg.RateBurst)
	}
	return &cfg, nil
}
