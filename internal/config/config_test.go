package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, "channel", cfg.EventBus.Type)
	assert.Equal(t, "sql", cfg.Serial.Backend)
	assert.Equal(t, 5*time.Second, cfg.Serial.LockTimeout)
	assert.Equal(t, 0.02, cfg.Analysis.CVThreshold)
	assert.Equal(t, int32(2), cfg.Analysis.RoundingScale)
	assert.Equal(t, []string{"period", "total_energy", "license_plate"}, cfg.Analysis.RequiredColumns)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CARBONMINT_SERVER_PORT", "9090")
	t.Setenv("CARBONMINT_SERIAL_BACKEND", "memory")
	t.Setenv("CARBONMINT_SERIAL_LOCKTIMEOUT", "250ms")
	t.Setenv("CARBONMINT_ANALYSIS_CVTHRESHOLD", "0.05")

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Serial.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Serial.LockTimeout)
	assert.Equal(t, 0.05, cfg.Analysis.CVThreshold)
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("CARBONMINT_TIER", "pro")

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "nats", cfg.EventBus.Type)
	assert.Equal(t, "redis", cfg.Serial.Backend)
	assert.Equal(t, "localhost:6379", cfg.Serial.RedisAddr)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carbonmint.yaml")
	content := `
server:
  port: 7000
repository:
  sqlitePath: /var/lib/carbonmint/data.db
serial:
  backend: memory
  lockTimeout: 2s
analysis:
  roundingScale: 3
logging:
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CARBONMINT_SERVER_PORT", "7001")

	cfg, err := Load(Options{ConfigFile: path})
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "/var/lib/carbonmint/data.db", cfg.Repository.SQLitePath)
	assert.Equal(t, "memory", cfg.Serial.Backend)
	assert.Equal(t, 2*time.Second, cfg.Serial.LockTimeout)
	assert.Equal(t, int32(3), cfg.Analysis.RoundingScale)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep their defaults")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CARBONMINT_LOGGING_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CARBONMINT_LOGGING_LEVEL") })

	cfg, err := Load(Options{EnvFile: path})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(Options{EnvFile: filepath.Join(dir, "missing.env")})
		assert.Error(t, err)
	})

	t.Run("MissingDefaultFileIgnored", func(t *testing.T) {
		_, err := Load(Options{EnvFile: DefaultEnvFile})
		assert.NoError(t, err)
	})
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"BadDriver", "CARBONMINT_REPOSITORY_DRIVER", "mysql"},
		{"BadBackend", "CARBONMINT_SERIAL_BACKEND", "etcd"},
		{"BadPort", "CARBONMINT_SERVER_PORT", "70000"},
		{"BadLevel", "CARBONMINT_LOGGING_LEVEL", "verbose"},
		{"BadTier", "CARBONMINT_TIER", "enterprise"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load(Options{})
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestValidateRedisNeedsAddr(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Serial.Backend = "redis"
	assert.ErrorIs(t, Validate(cfg), domain.ErrInvalidInput)

	cfg.Serial.RedisAddr = "localhost:6379"
	assert.NoError(t, Validate(cfg))
}
