package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr          string
	StoreMode           string
	DatabaseURL         string
	SQLitePath          string
	EncryptionKey       string
	AdminUsername       string
	AdminPassword       string
	JWTSecret           string
	AdminTokenTTL       time.Duration
	StyleAPIBaseURL     string
	StyleAPITimeout     time.Duration
	RequestTimeout      time.Duration
	HealthCheckInterval time.Duration
	AllowedOrigins      []string
	TelegramBotToken    string
	TelegramChatID      string
	WebhookURL          string
	WebhookTimeout      time.Duration
	WebhookMaxRetries   int
	WebhookRetryBase    time.Duration
	WebhookRetryMax     time.Duration
	LogLevel            string
	LogFormat           string
	StylectlDB          string
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

func Load() Config {
	return Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":18080"),
		StoreMode:           getEnv("STORE_MODE", StoreSQLite),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "./data/stylebench.db"),
		EncryptionKey:       getEnv("SESSION_ENCRYPTION_KEY", ""),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:       getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:           getEnv("JWT_SECRET", "change-this-secret"),
		AdminTokenTTL:       getDuration("ADMIN_TOKEN_TTL", 12*time.Hour),
		StyleAPIBaseURL:     getEnv("STYLE_API_BASE_URL", "https://haider.techrealm.online"),
		StyleAPITimeout:     getDuration("STYLE_API_TIMEOUT", 0),
		RequestTimeout:      getDuration("REQUEST_TIMEOUT", 30*time.Second),
		HealthCheckInterval: getDuration("HEALTH_CHECK_INTERVAL", time.Minute),
		AllowedOrigins:      getList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:      getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:          getEnv("WEBHOOK_URL", ""),
		WebhookTimeout:      getDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookMaxRetries:   getInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryBase:    getDuration("WEBHOOK_RETRY_BASE", 500*time.Millisecond),
		WebhookRetryMax:     getDuration("WEBHOOK_RETRY_MAX", 5*time.Second),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		StylectlDB:          getEnv("STYLECTL_DB", defaultStylectlDB()),
	}
}

// Validate rejects configurations the harness cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR cannot be empty"))
	}
	switch c.StoreMode {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_MODE=postgres"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required when STORE_MODE=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_MODE must be one of memory, postgres, sqlite; got %q", c.StoreMode))
	}
	if c.StyleAPIBaseURL == "" {
		errs = append(errs, errors.New("STYLE_API_BASE_URL cannot be empty"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET cannot be empty"))
	}
	if c.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("HEALTH_CHECK_INTERVAL must be > 0"))
	}
	if c.WebhookMaxRetries < 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_RETRIES must be >= 0"))
	}
	return errors.Join(errs...)
}

// defaultStylectlDB is ~/.stylebench/session.db, or a relative path when
// the home directory is unknown.
func defaultStylectlDB() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".stylebench", "session.db")
	}
	return filepath.Join(home, ".stylebench", "session.db")
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
