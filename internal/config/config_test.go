package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalbridge/gateway/internal/config"
)

func TestLoadAppliesDefaultsWhenNoFileOrEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/gateway")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "vb_live_", cfg.APIKeyPrefix)
	assert.Equal(t, "disabled", cfg.VoiceMode)
	assert.Equal(t, "inmemory", cfg.SessionLock.Backend)
	assert.Equal(t, 10, cfg.Database.ConnectionLimit)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "@every 2s", cfg.JobWorker.PollSchedule)
	assert.Equal(t, int64(300), cfg.JobWorker.LeaseSeconds)
	assert.Equal(t, float64(60000), cfg.RateLimit.InitialTPM)
	assert.Equal(t, float64(240000), cfg.RateLimit.MaxTPM)
	assert.False(t, cfg.RateLimit.Clustered)
}

func TestLoadFailsWhenRateLimitClusteredWithoutRedisBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/gateway")
	t.Setenv("RATE_LIMIT_CLUSTERED", "true")

	_, err := config.Load("")
	assert.ErrorContains(t, err, "rate_limit.clustered")
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  url: "postgres://localhost:5432/gateway"
  connection_limit: 25
log_level: "debug"
voice_mode: "enabled"
mongo:
  uri: "mongodb://localhost:27017"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Database.ConnectionLimit)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "enabled", cfg.VoiceMode)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  url: "postgres://localhost:5432/gateway"
log_level: "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DATABASE_URL", "postgres://env-host:5432/gateway")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "postgres://env-host:5432/gateway", cfg.Database.URL)
}

func TestLoadFailsWithoutDatabaseURL(t *testing.T) {
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoadFailsWhenRedisBackendMissingURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/gateway")
	t.Setenv("SESSION_LOCK_BACKEND", "redis")

	_, err := config.Load("")
	assert.ErrorContains(t, err, "session_lock.redis_url")
}

func TestLoadFailsWhenVoiceEnabledWithoutMongoURI(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/gateway")
	t.Setenv("VOICE_MODE", "enabled")

	_, err := config.Load("")
	assert.ErrorContains(t, err, "mongo.uri")
}

func TestDatabaseURLAppendsPoolKnobs(t *testing.T) {
	cfg := config.Default()
	cfg.Database.URL = "postgres://localhost:5432/gateway?sslmode=disable"
	cfg.Database.ConnectionLimit = 15

	built, err := cfg.DatabaseURL()
	require.NoError(t, err)
	assert.Contains(t, built, "connection_limit=15")
	assert.Contains(t, built, "pool_timeout=")
	assert.Contains(t, built, "connect_timeout=")
	assert.Contains(t, built, "sslmode=disable")
}
