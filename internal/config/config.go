package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultVaultKey      = "grompt.apikeys.v1"
	DefaultHistoryKey    = "grompt.history.v1"
	DefaultLegacyIdeas   = "grompt.current-ideas"
	DefaultLegacyResult  = "grompt.last-result"
	DefaultMigratedKey   = "grompt.history.migrated.v1"
	DefaultKDFIterations = 100_000
)

var (
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required")
	ErrWeakKDFIterations   = errors.New("VAULT_KDF_ITERATIONS must be at least 1000")
	ErrInvalidBlobLimit    = errors.New("blob inline limits must be > 0")
	ErrInvalidPreviewLimit = errors.New("HISTORY_PREVIEW_LIMIT must be > 0")
)

type Config struct {
	DB      DBConfig
	Redis   RedisConfig
	Vault   VaultConfig
	History HistoryConfig
	HTTP    HTTPConfig
	Rate    RateConfig
	Server  ServerConfig
	Log     LogConfig
}

type DBConfig struct {
	Driver        string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type VaultConfig struct {
	StorageKey    string
	KDFIterations int
}

type HistoryConfig struct {
	StorageKey      string
	LegacyIdeasKey  string
	LegacyResultKey string
	MigratedKey     string
	RequestInline   int
	ResponseInline  int
	PreviewLimit    int
}

type HTTPConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

// RateConfig caps provider calls per caller per hour; 0 disables the cap.
type RateConfig struct {
	PerHour int64
}

type ServerConfig struct {
	ListenAddr      string
	HealthPath      string
	MetricsPath     string
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		DB: DBConfig{
			Driver:        strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:           mustEnv("DB_DSN", "file:grompt.db?_pragma=busy_timeout(5000)"),
			AutoMigrate:   mustBool("AUTO_MIGRATE", true),
			MigrationsDir: mustEnv("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Vault: VaultConfig{
			StorageKey:    mustEnv("VAULT_STORAGE_KEY", DefaultVaultKey),
			KDFIterations: mustInt("VAULT_KDF_ITERATIONS", DefaultKDFIterations),
		},
		History: HistoryConfig{
			StorageKey:      mustEnv("HISTORY_STORAGE_KEY", DefaultHistoryKey),
			LegacyIdeasKey:  mustEnv("HISTORY_LEGACY_IDEAS_KEY", DefaultLegacyIdeas),
			LegacyResultKey: mustEnv("HISTORY_LEGACY_RESULT_KEY", DefaultLegacyResult),
			MigratedKey:     mustEnv("HISTORY_MIGRATED_KEY", DefaultMigratedKey),
			RequestInline:   mustInt("HISTORY_REQUEST_INLINE_LIMIT", 2000),
			ResponseInline:  mustInt("HISTORY_RESPONSE_INLINE_LIMIT", 8000),
			PreviewLimit:    mustInt("HISTORY_PREVIEW_LIMIT", 300),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_PER_HOUR", 0)),
		},
		Server: ServerConfig{
			ListenAddr:      mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:      mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:     mustEnv("METRICS_PATH", "/metrics"),
			ShutdownTimeout: mustDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Vault.KDFIterations < 1000 {
		return nil, ErrWeakKDFIterations
	}
	if cfg.History.RequestInline <= 0 || cfg.History.ResponseInline <= 0 {
		return nil, ErrInvalidBlobLimit
	}
	if cfg.History.PreviewLimit <= 0 {
		return nil, ErrInvalidPreviewLimit
	}
	switch cfg.DB.Driver {
	case "sqlite", "sqlite3", "postgres", "pgx":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DB.Driver)
	}

	return cfg, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
