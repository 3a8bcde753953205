package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
log:
  level: debug
  format: json
worker:
  concurrency: 8
  interval: 500ms
  lockTTL: 2m
  taskTimeout: "3600"
platform:
  url: https://data.example.org/data-fair
`), 0o644))
	t.Setenv(EnvPlatformAPIKey, "key-from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Worker.LockTTL)
	assert.Equal(t, time.Hour, cfg.Worker.TaskTimeout)
	assert.Equal(t, 10*time.Second, cfg.Worker.InactiveInterval, "default kept")
	assert.Equal(t, "https://data.example.org/data-fair", cfg.PlatformURL)
	assert.Equal(t, "key-from-env", cfg.PlatformAPIKey)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Worker, cfg.Worker)
	assert.Equal(t, "sqlite", cfg.LockDriver)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "wokrer: {}\n",
		"bad duration":      "worker:\n  interval: soon\n",
		"negative":          "worker:\n  interval: -1s\n",
		"redis without url": "locks:\n  driver: redis\n",
		"unknown driver":    "locks:\n  driver: etcd\n",
		"two redis urls":    "locks:\n  redisURL: redis://a:6379\nevents:\n  redis: true\n  redisURL: redis://b:6379\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvRedisURL, "")
			path := filepath.Join(t.TempDir(), "worker.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestEventsShareLockRedisURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"locks:\n  driver: redis\n  redisURL: redis://a:6379\nevents:\n  redis: true\n  redisURL: redis://a:6379\n"), 0o644))
	t.Setenv(EnvRedisURL, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://a:6379", cfg.RedisURL)
	assert.True(t, cfg.RedisEvents)
}

func TestRedisURLFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("locks:\n  driver: redis\n"), 0o644))
	t.Setenv(EnvRedisURL, "redis://localhost:6379/0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}
