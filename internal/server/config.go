// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Tyrowin/whisp/internal/auth"
)

// Store drivers accepted in STORE_DRIVER.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const (
	defaultPort          = ":4000"
	defaultMaxFrameSize  = 16 << 20
	defaultMaxFileData   = 14 << 20
	defaultSendBuffer    = 256
	defaultRefill        = time.Second
	defaultPongWait      = 60 * time.Second
	defaultWriteWait     = 10 * time.Second
	defaultShutdownGrace = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
// A Burst of zero disables the limit.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration. Every field can be set from the
// environment; LoadConfig fills it and sanitizeConfig repairs bad values.
type Config struct {
	Port        string        `envconfig:"SERVER_PORT" default:":4000"`
	JWTSecret   string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL    time.Duration `envconfig:"TOKEN_TTL" default:"168h"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"INFO"`
	StoreDriver string        `envconfig:"STORE_DRIVER" default:"badger"`
	BadgerPath  string        `envconfig:"BADGER_PATH" default:"./data/whisp"`
	DatabaseURL string        `envconfig:"DATABASE_URL"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	// MaxFrameSize is the transport read limit. It sits above MaxFileData so
	// oversized files are answered with too_large instead of a dropped socket.
	MaxFrameSize int64 `envconfig:"MAX_FRAME_SIZE" default:"16777216"`
	// MaxFileData caps the base64 payload of a file frame, in characters.
	MaxFileData int `envconfig:"MAX_FILE_B64" default:"14680064"`
	SendBuffer  int `envconfig:"SEND_BUFFER" default:"256"`

	RateLimitBurst  int           `envconfig:"RATE_LIMIT_BURST" default:"0"`
	RateLimitRefill time.Duration `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"1s"`

	// PongWait is how long a connection may stay silent before it is reaped.
	// Server pings go out every 9/10 of it.
	PongWait        time.Duration `envconfig:"PONG_WAIT" default:"60s"`
	WriteWait       time.Duration `envconfig:"WRITE_WAIT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// RateLimit returns the per-connection limiter settings.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefill}
}

// PingInterval is the period of server-initiated pings.
func (c Config) PingInterval() time.Duration {
	return c.PongWait * 9 / 10
}

// NewConfig returns a Config populated with defaults for every setting except
// the signing secret.
func NewConfig() Config {
	return sanitizeConfig(Config{
		StoreDriver:    DriverBadger,
		BadgerPath:     "./data/whisp",
		LogLevel:       "INFO",
		AllowedOrigins: []string{"*"},
	})
}

// LoadConfig reads an optional dotenv file and then the environment. A
// missing envFile is only an error when it was named explicitly.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot be repaired with a default.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return auth.ErrEmptySecret
	}
	switch c.StoreDriver {
	case DriverBadger, DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = auth.DefaultTokenTTL
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverBadger
	}
	if cfg.MaxFileData <= 0 {
		cfg.MaxFileData = defaultMaxFileData
	}
	if cfg.MaxFrameSize <= int64(cfg.MaxFileData) {
		cfg.MaxFrameSize = max(defaultMaxFrameSize, int64(cfg.MaxFileData)+64<<10)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.RateLimitBurst < 0 {
		cfg.RateLimitBurst = 0
	}
	if cfg.RateLimitRefill <= 0 {
		cfg.RateLimitRefill = defaultRefill
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownGrace
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}
