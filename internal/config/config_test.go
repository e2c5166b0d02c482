package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MutationChannel != "marketbeat:schedule-events" {
		t.Errorf("mutation channel = %q", cfg.MutationChannel)
	}
	if cfg.DispatchStream != "marketbeat:dispatch" {
		t.Errorf("dispatch stream = %q", cfg.DispatchStream)
	}
	if cfg.ResyncInterval() != 60*time.Second {
		t.Errorf("resync interval = %v, want 60s", cfg.ResyncInterval())
	}
	if cfg.MinSyncInterval() != 5*time.Second {
		t.Errorf("min sync interval = %v, want 5s", cfg.MinSyncInterval())
	}
	if cfg.MaxTickInterval() != 5*time.Second {
		t.Errorf("max tick interval = %v, want 5s", cfg.MaxTickInterval())
	}
	if cfg.CronTimezone != "UTC" {
		t.Errorf("timezone = %q, want UTC", cfg.CronTimezone)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.WorkerConcurrency)
	}
	if !cfg.EventSyncEnabled() {
		t.Error("event sync should default to enabled")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketbeat.yaml")
	data := `
schedule_store_url: postgres://localhost/beat
dispatch_queue_url: redis://localhost:6379/0
cron_timezone: Asia/Tokyo
default_resync_interval_s: 120
mutation_sync_enabled: false
worker_concurrency: 8
rate_limits:
  market_api:
    requests: 30
    window_s: 60
external_api:
  base_url: https://api.example.com/v1
  timeout_s: 15
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ScheduleStoreURL != "postgres://localhost/beat" {
		t.Errorf("store url = %q", cfg.ScheduleStoreURL)
	}
	if cfg.CronTimezone != "Asia/Tokyo" {
		t.Errorf("timezone = %q", cfg.CronTimezone)
	}
	if cfg.ResyncInterval() != 2*time.Minute {
		t.Errorf("resync interval = %v, want 2m", cfg.ResyncInterval())
	}
	if cfg.EventSyncEnabled() {
		t.Error("mutation_sync_enabled: false not honored")
	}
	if cfg.WorkerConcurrency != 8 {
		t.Errorf("concurrency = %d, want 8", cfg.WorkerConcurrency)
	}
	rl, ok := cfg.RateLimits["market_api"]
	if !ok || rl.Requests != 30 || rl.WindowS != 60 {
		t.Errorf("rate limit = %+v, want 30/60s", rl)
	}
	if cfg.ExternalAPI.BaseURL != "https://api.example.com/v1" {
		t.Errorf("api base url = %q", cfg.ExternalAPI.BaseURL)
	}
	if cfg.APITimeout() != 15*time.Second {
		t.Errorf("api timeout = %v, want 15s", cfg.APITimeout())
	}
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CronTimezone != "UTC" {
		t.Errorf("missing file should yield defaults, timezone = %q", cfg.CronTimezone)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketbeat.yaml")
	if err := os.WriteFile(path, []byte("worker_concurrency: 2\ncron_timezone: UTC\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("MARKETBEAT_WORKER_CONCURRENCY", "16")
	t.Setenv("MARKETBEAT_CRON_TIMEZONE", "America/New_York")
	t.Setenv("MARKETBEAT_EXTERNAL_API_PASSWORD", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerConcurrency != 16 {
		t.Errorf("concurrency = %d, want env override 16", cfg.WorkerConcurrency)
	}
	if cfg.CronTimezone != "America/New_York" {
		t.Errorf("timezone = %q, want env override", cfg.CronTimezone)
	}
	if cfg.ExternalAPI.Password != "secret" {
		t.Error("password env override not applied")
	}
}

func TestLoad_RejectsBadTimezone(t *testing.T) {
	t.Setenv("MARKETBEAT_CRON_TIMEZONE", "Mars/Olympus")
	if _, err := Load(""); err == nil {
		t.Error("bad timezone should fail load")
	}
}
