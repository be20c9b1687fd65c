package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var configKeys = []string{
	"APP_USERNAME", "APP_PASSWORD_HASH", "SESSION_SECRET", "PORT", "GIN_MODE",
	"CORS_ALLOWED_ORIGINS", "MAX_FILE_SIZE", "MAX_PAGES", "MAX_FILES", "JOB_EXPIRE_MINUTES",
	"INTERACTIVE_JOB_EXPIRE_MINUTES", "STORAGE_ROOT", "JOB_STORE", "DB_PATH",
	"JOB_RUNNER", "WORKER_CONCURRENCY", "JOB_RESULT_BASE_URL", "QUEUE_REDIS_URL",
	"CLEANUP_INTERVAL_MINUTES", "ORPHAN_GRACE_MINUTES", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "GHOSTSCRIPT_PATH", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.JobTTL() != 30*time.Minute {
		t.Fatalf("expected 30m job ttl, got %s", cfg.JobTTL())
	}
	if cfg.InteractiveJobTTL() != 5*time.Minute {
		t.Fatalf("expected 5m interactive ttl, got %s", cfg.InteractiveJobTTL())
	}
	if cfg.CleanupInterval() != time.Hour {
		t.Fatalf("expected 60m cleanup interval, got %s", cfg.CleanupInterval())
	}
	if cfg.JobStore != StoreMemory || cfg.JobRunner != RunnerLocal {
		t.Fatalf("unexpected store/runner defaults: %s/%s", cfg.JobStore, cfg.JobRunner)
	}
	if cfg.MaxFiles != 10 {
		t.Fatalf("expected max files 10, got %d", cfg.MaxFiles)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("expected concurrency 4, got %d", cfg.WorkerConcurrency)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("JOB_STORE", "SQLite")
	t.Setenv("DB_PATH", "/tmp/forge.db")
	t.Setenv("JOB_EXPIRE_MINUTES", "45")
	t.Setenv("RATE_LIMIT_RPS", "0.5")
	t.Setenv("MAX_PAGES", "not-a-number")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.example, ,http://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.JobStore != StoreSQLite {
		t.Fatalf("expected sqlite store, got %s", cfg.JobStore)
	}
	if cfg.JobTTL() != 45*time.Minute {
		t.Fatalf("expected 45m ttl, got %s", cfg.JobTTL())
	}
	if cfg.RateLimitRPS != 0.5 {
		t.Fatalf("expected rps 0.5, got %v", cfg.RateLimitRPS)
	}
	if cfg.MaxPages != 200 {
		t.Fatalf("invalid integers must fall back to the default, got %d", cfg.MaxPages)
	}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[1] != "http://b.example" {
		t.Fatalf("unexpected origins: %v", origins)
	}
}

func TestValidateRejectsInvalidCombinations(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":        {"JOB_STORE": "postgres"},
		"unknown runner":       {"JOB_RUNNER": "lambda"},
		"asynq needs a shared": {"JOB_RUNNER": "asynq"},
		"zero concurrency":     {"WORKER_CONCURRENCY": "0"},
		"zero max files":       {"MAX_FILES": "0"},
		"bad log format":       {"LOG_FORMAT": "xml"},
		"release needs auth":   {"GIN_MODE": "release"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected validation error for %v", env)
			}
		})
	}
}

func TestValidateReleaseMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("GIN_MODE", "release")
	t.Setenv("APP_USERNAME", "admin")
	t.Setenv("APP_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
	t.Setenv("SESSION_SECRET", "secret")
	t.Setenv("JOB_STORE", "redis")
	t.Setenv("JOB_RUNNER", "asynq")

	if _, err := Load(); err != nil {
		t.Fatalf("expected release config to be valid: %v", err)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "job_id", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "shown" || entry["job_id"] != "abc" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
