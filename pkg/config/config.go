package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-importer/pkg/storage"
)

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Store         StoreConfig
	Import        ImportConfig
	Storage       storage.Config
	Observability ObservabilityConfig
	Log           LogConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	RateLimitPerSecond int
	RateLimitBurst     int
	CORSOrigins        []string
	MaxUploadMB        int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type StoreConfig struct {
	Driver string
}

type ImportConfig struct {
	DefaultPolicy   string
	DefaultCurrency string
	ProgressEvery   int
	StaleAfter      time.Duration
	ReaperSchedule  string
	// TrackerTTL is how long finished async trackers are kept for progress polling.
	TrackerTTL time.Duration
	// ArchiveRetention is how long archived statements are kept. Zero keeps them forever.
	ArchiveRetention time.Duration
}

type ObservabilityConfig struct {
	MetricsEnabled     bool
	MetricsPort        int
	TracingEnabled     bool
	TracingServiceName string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment
// variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "localhost"),
			Port:               getEnvAsInt("SERVER_PORT", 8080),
			RateLimitPerSecond: getEnvAsInt("SERVER_RATE_LIMIT_PER_SECOND", 20),
			RateLimitBurst:     getEnvAsInt("SERVER_RATE_LIMIT_BURST", 40),
			CORSOrigins:        getEnvAsList("SERVER_CORS_ORIGINS", []string{"*"}),
			MaxUploadMB:        getEnvAsInt("SERVER_MAX_UPLOAD_MB", 32),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "statements"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", StoreDriverPostgres),
		},
		Import: ImportConfig{
			DefaultPolicy:   getEnv("IMPORT_DEFAULT_POLICY", string(dedup.PolicySkip)),
			DefaultCurrency: strings.ToUpper(getEnv("IMPORT_DEFAULT_CURRENCY", "INR")),
			ProgressEvery:   getEnvAsInt("IMPORT_PROGRESS_EVERY", 25),
			StaleAfter:      getEnvAsDuration("IMPORT_STALE_AFTER", 30*time.Minute),
			ReaperSchedule:  getEnv("IMPORT_REAPER_SCHEDULE", "*/5 * * * *"),
			TrackerTTL:      getEnvAsDuration("IMPORT_TRACKER_TTL", time.Hour),

			ArchiveRetention: getEnvAsDuration("STORAGE_RETENTION", 0),
		},
		Storage: storage.Config{
			Type:      storage.StorageType(getEnv("STORAGE_TYPE", string(storage.StorageTypeLocal))),
			LocalPath: getEnv("STORAGE_LOCAL_PATH", "./uploads"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),

			TracingEnabled:     getEnvAsBool("TRACING_ENABLED", false),
			TracingServiceName: getEnv("OTEL_SERVICE_NAME", "statement-importer"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the application cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.Store.Driver))
	}
	if _, err := dedup.ParsePolicy(c.Import.DefaultPolicy); err != nil {
		errs = append(errs, fmt.Errorf("IMPORT_DEFAULT_POLICY: %w", err))
	}
	switch c.Storage.Type {
	case storage.StorageTypeLocal, storage.StorageTypeNone:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_TYPE must be %q or %q, got %q", storage.StorageTypeLocal, storage.StorageTypeNone, c.Storage.Type))
	}
	for name, port := range map[string]int{
		"SERVER_PORT":   c.Server.Port,
		"POSTGRES_PORT": c.Database.Port,
		"METRICS_PORT":  c.Observability.MetricsPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s must be between 1 and 65535, got %d", name, port))
		}
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("SERVER_MAX_UPLOAD_MB must be positive"))
	}
	if c.Import.ProgressEvery <= 0 {
		errs = append(errs, errors.New("IMPORT_PROGRESS_EVERY must be positive"))
	}
	if c.Import.StaleAfter <= 0 {
		errs = append(errs, errors.New("IMPORT_STALE_AFTER must be positive"))
	}
	if c.Import.ArchiveRetention < 0 {
		errs = append(errs, errors.New("STORAGE_RETENTION must not be negative"))
	}

	return errors.Join(errs...)
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns host:port for the API listener.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *ServerConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
