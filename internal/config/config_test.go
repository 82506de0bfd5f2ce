package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AckTimeout != 60*time.Second {
		t.Errorf("ack_timeout: got %v, want 60s", cfg.AckTimeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("max_retries: got %d, want 3", cfg.MaxRetries)
	}
	if cfg.SuppressWindow != 30*time.Second {
		t.Errorf("suppress_window: got %v, want 30s", cfg.SuppressWindow)
	}
	if cfg.MatcherFeeBps != 5 {
		t.Errorf("matcher_fee_bps: got %d, want 5", cfg.MatcherFeeBps)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http_addr: got %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.ScanBudget != 64 {
		t.Errorf("scan_budget: got %d, want 64", cfg.ScanBudget)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("MATCHER_ACK_TIMEOUT", "15s")
	t.Setenv("MATCHER_HTTP_ADDR", ":9999")
	t.Setenv("MATCHER_MAX_RETRIES", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AckTimeout != 15*time.Second {
		t.Errorf("ack_timeout: got %v, want 15s", cfg.AckTimeout)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("http_addr: got %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.MaxRetries != 1 {
		t.Errorf("max_retries: got %d, want 1", cfg.MaxRetries)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("MATCHER_MATCHER_FEE_BPS", "20000")
	if _, err := Load(); err == nil {
		t.Error("fee above 10000 bps accepted")
	}
}

func TestLoadRejectsNonPositiveBatch(t *testing.T) {
	t.Setenv("MATCHER_PERSIST_BATCH_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Error("zero batch size accepted")
	}
}
