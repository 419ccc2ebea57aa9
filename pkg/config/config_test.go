package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/statement-importer/pkg/storage"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.Addr())
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, int64(32<<20), cfg.Server.MaxUploadBytes())
	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "skip", cfg.Import.DefaultPolicy)
	assert.Equal(t, "INR", cfg.Import.DefaultCurrency)
	assert.Equal(t, 25, cfg.Import.ProgressEvery)
	assert.Equal(t, 30*time.Minute, cfg.Import.StaleAfter)
	assert.Equal(t, "*/5 * * * *", cfg.Import.ReaperSchedule)
	assert.Equal(t, storage.StorageTypeLocal, cfg.Storage.Type)
	assert.Zero(t, cfg.Import.ArchiveRetention)
	assert.False(t, cfg.Observability.TracingEnabled)
	assert.Equal(t, "statement-importer", cfg.Observability.TracingServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("SERVER_CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("IMPORT_DEFAULT_POLICY", "mark_duplicate")
	t.Setenv("IMPORT_DEFAULT_CURRENCY", "usd")
	t.Setenv("IMPORT_STALE_AFTER", "45m")
	t.Setenv("STORAGE_TYPE", "none")
	t.Setenv("STORAGE_RETENTION", "720h")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("OTEL_SERVICE_NAME", "importer-staging")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, "mark_duplicate", cfg.Import.DefaultPolicy)
	assert.Equal(t, "USD", cfg.Import.DefaultCurrency)
	assert.Equal(t, 45*time.Minute, cfg.Import.StaleAfter)
	assert.Equal(t, storage.StorageTypeNone, cfg.Storage.Type)
	assert.Equal(t, 720*time.Hour, cfg.Import.ArchiveRetention)
	assert.True(t, cfg.Observability.TracingEnabled)
	assert.Equal(t, "importer-staging", cfg.Observability.TracingServiceName)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "store driver", env: map[string]string{"STORE_DRIVER": "mongo"}, want: "STORE_DRIVER"},
		{name: "policy", env: map[string]string{"IMPORT_DEFAULT_POLICY": "merge"}, want: "IMPORT_DEFAULT_POLICY"},
		{name: "storage type", env: map[string]string{"STORAGE_TYPE": "s3"}, want: "STORAGE_TYPE"},
		{name: "port", env: map[string]string{"SERVER_PORT": "0"}, want: "SERVER_PORT"},
		{name: "progress", env: map[string]string{"IMPORT_PROGRESS_EVERY": "-1"}, want: "IMPORT_PROGRESS_EVERY"},
		{name: "retention", env: map[string]string{"STORAGE_RETENTION": "-1h"}, want: "STORAGE_RETENTION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "statements", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=statements sslmode=disable", c.DSN())
}
