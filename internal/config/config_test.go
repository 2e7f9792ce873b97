package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, uint(3), cfg.Retry.Policy().MaxAttempts)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_FileInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atelier.yaml"), []byte(`
definition: workflows/atelier.cue
cache:
  ttl: 45s
  capacity: 500
redis:
  enabled: true
  addr: redis:6379
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "workflows/atelier.cue", cfg.Definition)
	assert.Equal(t, 45*time.Second, cfg.Cache.TTL)
	assert.Equal(t, uint64(500), cfg.Cache.Capacity)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "atelier:dossiers", cfg.Redis.Channel, "unset keys keep defaults")
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9000\"\ncache:\n  ttl: 10s\n"), 0o644))
	t.Setenv("ATELIER_CACHE_TTL", "2m")
	t.Setenv("ATELIER_STORE_PATH", "/var/lib/atelier/atelier.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "/var/lib/atelier/atelier.db", cfg.Store.Path)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Cache.TTL = 0
	cfg.Retry.MaxAttempts = 0
	cfg.Retry.InitialInterval = time.Second
	cfg.Retry.MaxInterval = time.Millisecond
	cfg.Redis = RedisConfig{Enabled: true}
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"cache.ttl", "retry.max_attempts", "retry.max_interval", "redis.addr", "log.format"} {
		assert.Contains(t, err.Error(), want)
	}

	assert.NoError(t, Default().Validate())
}
