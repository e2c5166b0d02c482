// Package config holds process-wide settings, loaded from an optional YAML
// file with environment-variable overrides (MARKETBEAT_* names), threaded
// explicitly from main.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig is one named bucket's parameters.
type RateLimitConfig struct {
	Requests int `yaml:"requests"`
	WindowS  int `yaml:"window_s"`
}

// ExternalAPIConfig identifies the market-data API for the canonical task.
type ExternalAPIConfig struct {
	BaseURL  string `yaml:"base_url"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	TimeoutS int    `yaml:"timeout_s"`
}

// Config is the process configuration.
type Config struct {
	ScheduleStoreURL string `yaml:"schedule_store_url"`
	DispatchQueueURL string `yaml:"dispatch_queue_url"`
	EventBusURL      string `yaml:"event_bus_url"`
	TokenCacheURL    string `yaml:"token_cache_url"`

	MutationChannel     string `yaml:"mutation_channel"`
	MutationSyncEnabled *bool  `yaml:"mutation_sync_enabled"`
	DispatchStream      string `yaml:"dispatch_stream"`

	ResyncIntervalS  int    `yaml:"default_resync_interval_s"`
	MinSyncIntervalS int    `yaml:"min_sync_interval_s"`
	MaxTickIntervalS int    `yaml:"max_tick_interval_s"`
	CronTimezone     string `yaml:"cron_timezone"`

	WorkerConcurrency int `yaml:"worker_concurrency"`
	LockTTLS          int `yaml:"lock_ttl_s"`
	LockWaitS         int `yaml:"lock_wait_s"`

	RateLimits  map[string]RateLimitConfig `yaml:"rate_limits"`
	ExternalAPI ExternalAPIConfig          `yaml:"external_api"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		MutationChannel:   "marketbeat:schedule-events",
		DispatchStream:    "marketbeat:dispatch",
		ResyncIntervalS:   60,
		MinSyncIntervalS:  5,
		MaxTickIntervalS:  5,
		CronTimezone:      "UTC",
		WorkerConcurrency: 4,
		LockTTLS:          600,
		LockWaitS:         300,
		RateLimits:        map[string]RateLimitConfig{},
	}
}

// Load reads cfg from path (missing file is fine) and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if _, err := time.LoadLocation(cfg.CronTimezone); err != nil {
		return nil, fmt.Errorf("invalid cron_timezone %q: %w", cfg.CronTimezone, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("MARKETBEAT_SCHEDULE_STORE_URL", &c.ScheduleStoreURL)
	envStr("MARKETBEAT_DISPATCH_QUEUE_URL", &c.DispatchQueueURL)
	envStr("MARKETBEAT_EVENT_BUS_URL", &c.EventBusURL)
	envStr("MARKETBEAT_TOKEN_CACHE_URL", &c.TokenCacheURL)
	envStr("MARKETBEAT_MUTATION_CHANNEL", &c.MutationChannel)
	envStr("MARKETBEAT_DISPATCH_STREAM", &c.DispatchStream)
	envStr("MARKETBEAT_CRON_TIMEZONE", &c.CronTimezone)
	envStr("MARKETBEAT_EXTERNAL_API_BASE_URL", &c.ExternalAPI.BaseURL)
	envStr("MARKETBEAT_EXTERNAL_API_EMAIL", &c.ExternalAPI.Email)
	envStr("MARKETBEAT_EXTERNAL_API_PASSWORD", &c.ExternalAPI.Password)

	envInt("MARKETBEAT_DEFAULT_RESYNC_INTERVAL_S", &c.ResyncIntervalS)
	envInt("MARKETBEAT_MIN_SYNC_INTERVAL_S", &c.MinSyncIntervalS)
	envInt("MARKETBEAT_MAX_TICK_INTERVAL_S", &c.MaxTickIntervalS)
	envInt("MARKETBEAT_WORKER_CONCURRENCY", &c.WorkerConcurrency)
	envInt("MARKETBEAT_LOCK_TTL_S", &c.LockTTLS)
	envInt("MARKETBEAT_LOCK_WAIT_S", &c.LockWaitS)

	if v, ok := os.LookupEnv("MARKETBEAT_MUTATION_SYNC_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MutationSyncEnabled = &b
		}
	}
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// EventSyncEnabled reports whether event-driven resync is on (default true).
func (c *Config) EventSyncEnabled() bool {
	return c.MutationSyncEnabled == nil || *c.MutationSyncEnabled
}

func (c *Config) ResyncInterval() time.Duration  { return time.Duration(c.ResyncIntervalS) * time.Second }
func (c *Config) MinSyncInterval() time.Duration { return time.Duration(c.MinSyncIntervalS) * time.Second }
func (c *Config) MaxTickInterval() time.Duration { return time.Duration(c.MaxTickIntervalS) * time.Second }
func (c *Config) LockTTL() time.Duration         { return time.Duration(c.LockTTLS) * time.Second }
func (c *Config) LockWait() time.Duration        { return time.Duration(c.LockWaitS) * time.Second }

func (c *Config) APITimeout() time.Duration {
	if c.ExternalAPI.TimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ExternalAPI.TimeoutS) * time.Second
}
