package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http addr: got %s", cfg.HTTPAddr)
	}
	if cfg.PersistBatchSize != 50 {
		t.Errorf("batch size: got %d", cfg.PersistBatchSize)
	}
	if cfg.IdempotencyLRUCapacity != 1_000_000 {
		t.Errorf("lru capacity: got %d", cfg.IdempotencyLRUCapacity)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clear.yaml")
	content := `
http_addr: ":7070"
persist_batch_size: 200
markets:
  - id: BTC-TERM
    initial_margin_ratio: 100000
    maintenance_margin_ratio: 50000
    fee_bps: 10
    liquidation_penalty_bps: 100
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Errorf("http addr: got %s", cfg.HTTPAddr)
	}
	if cfg.PersistBatchSize != 200 {
		t.Errorf("batch size: got %d", cfg.PersistBatchSize)
	}
	// Untouched keys keep their defaults.
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("grpc addr: got %s", cfg.GRPCAddr)
	}
	if len(cfg.Markets) != 1 || cfg.Markets[0].ID != "BTC-TERM" {
		t.Fatalf("unexpected markets %+v", cfg.Markets)
	}
	if cfg.Markets[0].FeeBps != 10 {
		t.Errorf("fee bps: got %d", cfg.Markets[0].FeeBps)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clear.yaml")
	if err := os.WriteFile(path, []byte(`http_addr: ":7070"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CLEAR_HTTP_ADDR", ":6060")
	t.Setenv("CLEAR_PERSIST_FLUSH_TIMEOUT", "25ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPAddr != ":6060" {
		t.Errorf("env must win over file, got %s", cfg.HTTPAddr)
	}
	if cfg.PersistFlushTimeout != 25*time.Millisecond {
		t.Errorf("flush timeout: got %s", cfg.PersistFlushTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/clear.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
