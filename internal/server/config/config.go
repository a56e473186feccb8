// Package config loads the sync server configuration from the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/iudanet/synceddb/internal/validation"
)

// Storage drivers
const (
	DriverSQLite  = "sqlite"
	DriverMemory  = "memory"
	DriverCouchDB = "couchdb"
)

type Config struct {
	Addr      string `validate:"required"`
	Storage   StorageConfig
	Auth      AuthConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type StorageConfig struct {
	Driver      string `validate:"oneof=sqlite memory couchdb"`
	Path        string `validate:"required_if=Driver sqlite"`
	CouchDBURL  string `validate:"required_if=Driver couchdb,omitempty,url"`
	CouchDBName string `validate:"required_if=Driver couchdb"`
	AssignKeys  bool
}

// AuthConfig включает аутентификацию, если задан Secret
type AuthConfig struct {
	Secret   string `validate:"omitempty,min=16"`
	Issuer   string
	TokenTTL time.Duration `validate:"gte=0"`
	Timeout  time.Duration `validate:"gte=0"`
}

// Enabled reports whether connections must authenticate
func (a AuthConfig) Enabled() bool {
	return a.Secret != ""
}

type WebSocketConfig struct {
	AllowedOrigins []string
	MaxMessageSize int64         `validate:"gt=0"`
	WriteWait      time.Duration `validate:"gt=0"`
	PongWait       time.Duration `validate:"gt=0"`
	PingPeriod     time.Duration `validate:"gt=0,ltfield=PongWait"`
	SendBuffer     int           `validate:"gt=0"`
}

type RateLimitConfig struct {
	Enabled              bool
	ConnectionsPerMinute int `validate:"gte=0"`
	TrustProxy           bool
}

type LoggingConfig struct {
	Level      string `validate:"oneof=debug info warn error"`
	File       string
	MaxSizeMB  int `validate:"gte=0"`
	MaxBackups int `validate:"gte=0"`
}

// SlogLevel converts Level to a slog level
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads .env (if present) and the environment, then validates the result
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, e.g. after flags were applied
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func fromEnv() (*Config, error) {
	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return d
	}

	pongWait := duration("WS_PONG_WAIT", "60s")
	cfg := &Config{
		Addr: getEnv("ADDR", ":8080"),
		Storage: StorageConfig{
			Driver:      getEnv("DB_DRIVER", DriverSQLite),
			Path:        getEnv("DB_PATH", "synceddb.db"),
			CouchDBURL:  getEnv("COUCHDB_URL", ""),
			CouchDBName: getEnv("COUCHDB_NAME", "synceddb"),
			AssignKeys:  getEnvAsBool("ASSIGN_KEYS", false),
		},
		Auth: AuthConfig{
			Secret:   getEnv("AUTH_SECRET", ""),
			Issuer:   getEnv("AUTH_ISSUER", "synceddb"),
			TokenTTL: duration("AUTH_TOKEN_TTL", "720h"),
			Timeout:  duration("AUTH_TIMEOUT", "5s"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: splitList(getEnv("WS_ALLOWED_ORIGINS", "*")),
			MaxMessageSize: int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
			WriteWait:      duration("WS_WRITE_WAIT", "10s"),
			PongWait:       pongWait,
			PingPeriod:     duration("WS_PING_PERIOD", (pongWait * 9 / 10).String()),
			SendBuffer:     getEnvAsInt("WS_SEND_BUFFER", 1024),
		},
		RateLimit: RateLimitConfig{
			Enabled:              getEnvAsBool("RATE_LIMIT_ENABLED", true),
			ConnectionsPerMinute: getEnvAsInt("RATE_LIMIT_CONNECTIONS_PER_MINUTE", 30),
			TrustProxy:           getEnvAsBool("RATE_LIMIT_TRUST_PROXY", false),
		},
		Logging: LoggingConfig{
			Level:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 3),
		},
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
