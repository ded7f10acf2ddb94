package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingUser is returned by LoadClient when COSYNC_USER is unset.
var ErrMissingUser = errors.New("COSYNC_USER is required")

// Client configures cmd/cosync-client.
type Client struct {
	User     string
	URL      string
	LogLevel string

	TickInterval     time.Duration
	HandshakeTimeout time.Duration
	OutboundBuffer   int
	UndoLimit        int
	MaxPayload       int
}

// Server configures cmd/cosync-server. DatabaseURL and RedisAddr are
// optional; empty values select the in-memory store and a single replica.
type Server struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	Document    string

	QueryTimeout time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func LoadClient() (Client, error) {
	cfg := Client{
		User:             strings.TrimSpace(os.Getenv("COSYNC_USER")),
		URL:              getEnv("COSYNC_URL", "ws://localhost:8080/sync"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		TickInterval:     getEnvDuration("COSYNC_TICK_INTERVAL", 50*time.Millisecond),
		HandshakeTimeout: getEnvDuration("COSYNC_HANDSHAKE_TIMEOUT", 5*time.Second),
		OutboundBuffer:   getEnvInt("COSYNC_OUTBOUND_BUFFER", 256),
		UndoLimit:        getEnvInt("COSYNC_UNDO_LIMIT", 200),
		MaxPayload:       getEnvInt("COSYNC_MAX_PAYLOAD", 1<<20),
	}
	if cfg.User == "" {
		return cfg, ErrMissingUser
	}
	return cfg, nil
}

func LoadServer() Server {
	return Server{
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		Document:     getEnv("COSYNC_DOCUMENT", "default"),
		QueryTimeout: getEnvDuration("COSYNC_QUERY_TIMEOUT", 5*time.Second),
		WriteTimeout: getEnvDuration("COSYNC_WRITE_TIMEOUT", 5*time.Second),
		PingInterval: getEnvDuration("COSYNC_PING_INTERVAL", 15*time.Second),
	}
}

// ParseLogLevel maps debug, warn and error to their slog levels and
// anything else to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "error", err)
			return fallback
		}
		return n
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "error", err)
			return fallback
		}
		return d
	}
	return fallback
}
