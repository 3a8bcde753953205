// Package config loads the worker configuration from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"catalogworker/internal/worker"
)

// Environment variables. Secrets are only read from the environment.
const (
	EnvPlatformAPIKey = "CATALOG_WORKER_PLATFORM_API_KEY"
	EnvCipherKey      = "CATALOG_WORKER_CIPHER_KEY"
	EnvRedisURL       = "CATALOG_WORKER_REDIS_URL"
)

type File struct {
	Addr       string       `yaml:"addr"`
	DB         string       `yaml:"db"`
	PluginsDir string       `yaml:"pluginsDir"`
	TmpDir     string       `yaml:"tmpDir"`
	Log        LogFile      `yaml:"log"`
	Worker     WorkerFile   `yaml:"worker"`
	Locks      LocksFile    `yaml:"locks"`
	Events     EventsFile   `yaml:"events"`
	Platform   PlatformFile `yaml:"platform"`
}

type LogFile struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type WorkerFile struct {
	Concurrency      int    `yaml:"concurrency"`
	Interval         string `yaml:"interval"`
	InactiveInterval string `yaml:"inactiveInterval"`
	InactivityDelay  string `yaml:"inactivityDelay"`
	LockTTL          string `yaml:"lockTTL"`
	SampleSize       int    `yaml:"sampleSize"`
	TaskTimeout      string `yaml:"taskTimeout"`
	RecoverEvery     string `yaml:"recoverEvery"`
}

type LocksFile struct {
	Driver   string `yaml:"driver"` // sqlite or redis
	RedisURL string `yaml:"redisURL"`
	Prefix   string `yaml:"prefix"`
}

type EventsFile struct {
	// Redis publishes task events on redis as well, for processes other
	// than this one.
	Redis    bool   `yaml:"redis"`
	RedisURL string `yaml:"redisURL"`
}

type PlatformFile struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

// Config is the resolved configuration.
type Config struct {
	Addr       string
	DB         string
	PluginsDir string
	TmpDir     string
	LogLevel   string
	LogFormat  string

	Worker worker.Config

	LockDriver  string
	LockPrefix  string
	RedisURL    string
	RedisEvents bool

	PlatformURL     string
	PlatformAPIKey  string
	PlatformTimeout time.Duration

	CipherKey string
}

func Defaults() Config {
	return Config{
		Addr:            ":8080",
		DB:              "catalog-worker.db",
		PluginsDir:      "plugins",
		LogLevel:        "info",
		LogFormat:       "console",
		Worker:          worker.DefaultConfig(),
		LockDriver:      "sqlite",
		PlatformURL:     "http://localhost:5600/data-fair",
		PlatformTimeout: 5 * time.Minute,
	}
}

// Load reads path (if non-empty) over the defaults, then the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.apply(b); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func (c *Config) apply(data []byte) error {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("yaml: %w", err)
	}

	setStr(&c.Addr, f.Addr)
	setStr(&c.DB, f.DB)
	setStr(&c.PluginsDir, f.PluginsDir)
	setStr(&c.TmpDir, f.TmpDir)
	setStr(&c.LogLevel, f.Log.Level)
	setStr(&c.LogFormat, f.Log.Format)
	setStr(&c.LockDriver, f.Locks.Driver)
	setStr(&c.LockPrefix, f.Locks.Prefix)
	locksURL, eventsURL := strings.TrimSpace(f.Locks.RedisURL), strings.TrimSpace(f.Events.RedisURL)
	if locksURL != "" && eventsURL != "" && locksURL != eventsURL {
		return errors.New("locks.redisURL and events.redisURL differ; one redis serves both")
	}
	setStr(&c.RedisURL, locksURL)
	setStr(&c.RedisURL, eventsURL)
	c.RedisEvents = f.Events.Redis
	setStr(&c.PlatformURL, f.Platform.URL)

	w := &c.Worker
	if f.Worker.Concurrency > 0 {
		w.Concurrency = f.Worker.Concurrency
	}
	if f.Worker.SampleSize > 0 {
		w.SampleSize = f.Worker.SampleSize
	}
	var err error
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"worker.interval", f.Worker.Interval, &w.Interval},
		{"worker.inactiveInterval", f.Worker.InactiveInterval, &w.InactiveInterval},
		{"worker.inactivityDelay", f.Worker.InactivityDelay, &w.InactivityDelay},
		{"worker.lockTTL", f.Worker.LockTTL, &w.LockTTL},
		{"worker.taskTimeout", f.Worker.TaskTimeout, &w.TaskTimeout},
		{"worker.recoverEvery", f.Worker.RecoverEvery, &w.RecoverEvery},
		{"platform.timeout", f.Platform.Timeout, &c.PlatformTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = ParseDurationOrDefault(d.path, d.raw, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	setStr(&c.PlatformAPIKey, getenv(EnvPlatformAPIKey))
	setStr(&c.CipherKey, getenv(EnvCipherKey))
	setStr(&c.RedisURL, getenv(EnvRedisURL))
}

func (c Config) Validate() error {
	switch c.LockDriver {
	case "sqlite":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("locks.driver redis needs locks.redisURL or " + EnvRedisURL)
		}
	default:
		return fmt.Errorf("locks.driver: unknown driver %q", c.LockDriver)
	}
	if c.RedisEvents && c.RedisURL == "" {
		return errors.New("events.redis needs a redis URL")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: %q is neither console nor json", c.LogFormat)
	}
	if c.Worker.LockTTL < time.Second {
		return fmt.Errorf("worker.lockTTL %s is too short to be renewed", c.Worker.LockTTL)
	}
	return nil
}

// ParseDurationField parses a Go duration string. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		// bare numbers are seconds
		if n, nerr := strconv.Atoi(s); nerr == nil {
			d, err = time.Duration(n)*time.Second, nil
		}
	}
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func setStr(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
