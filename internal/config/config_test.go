package config

import "testing"

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CC_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CC_HTTP_ADDR", ":9000")
	t.Setenv("CC_DEV_MODE", "false")
	t.Setenv("CC_RATE_LIMIT_MAX_REQUESTS", "25")
	t.Setenv("CC_DEDUPE_WINDOW_MS", "8000")
	t.Setenv("CC_QUEUE_MAX_CONCURRENT", "12")
	t.Setenv("CC_DLQ_ALERT_THRESHOLD", "42")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Fatalf("expected redis url override")
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("expected http addr override")
	}
	if cfg.Dev.Mode {
		t.Fatalf("expected dev mode false")
	}
	if cfg.RateLimit.MaxRequest != 25 {
		t.Fatalf("expected rate limit override, got %d", cfg.RateLimit.MaxRequest)
	}
	if cfg.Dedupe.WindowMs != 8000 {
		t.Fatalf("expected dedupe window override, got %d", cfg.Dedupe.WindowMs)
	}
	if cfg.Queue.MaxConcurrent != 12 {
		t.Fatalf("expected queue concurrency override, got %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.DLQ.AlertThreshold != 42 {
		t.Fatalf("expected dlq alert threshold override, got %d", cfg.DLQ.AlertThreshold)
	}
}

func TestLoadRequiresRedisURL(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error when CC_REDIS_URL is unset")
	}
}
