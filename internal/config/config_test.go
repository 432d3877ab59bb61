package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("FEDI_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Relay.MaxDepth != 5 {
		t.Errorf("expected max relay depth 5, got %d", cfg.Relay.MaxDepth)
	}
	if cfg.Round.MaxCrossTalk != 10 {
		t.Errorf("expected max cross-talk 10, got %d", cfg.Round.MaxCrossTalk)
	}
	if cfg.Bus.HistoryLimit != 500 {
		t.Errorf("expected history limit 500, got %d", cfg.Bus.HistoryLimit)
	}
	if cfg.Round.GracePeriod != 3*time.Second {
		t.Errorf("expected 3s grace period, got %v", cfg.Round.GracePeriod)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fedi.yaml")
	data := `
relay:
  max_depth: 7
  rate_limit: 3
round:
  delegate_timeout: 45s
agents:
  - name: opus
    supervisor: true
    adapter: stream
  - name: codex
    adapter: proc
    fallbacks: [gemini]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FEDI_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Relay.MaxDepth != 7 {
		t.Errorf("expected max depth 7, got %d", cfg.Relay.MaxDepth)
	}
	if cfg.Round.DelegateTimeout != 45*time.Second {
		t.Errorf("expected 45s delegate timeout, got %v", cfg.Round.DelegateTimeout)
	}
	if len(cfg.Agents) != 2 || !cfg.Agents[0].Supervisor {
		t.Fatalf("unexpected agents: %+v", cfg.Agents)
	}
	if cfg.Agents[1].Fallbacks[0] != "gemini" {
		t.Errorf("unexpected fallbacks: %+v", cfg.Agents[1].Fallbacks)
	}
	// Unset fields keep defaults.
	if cfg.Relay.RateWindow != time.Minute {
		t.Errorf("expected default rate window, got %v", cfg.Relay.RateWindow)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FEDI_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("FEDI_RELAY_LIMIT", "2")
	t.Setenv("FEDI_RELAY_WINDOW", "5s")
	t.Setenv("FEDI_STORE_PATH", "/tmp/other.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Relay.RateLimit != 2 {
		t.Errorf("expected rate limit 2, got %d", cfg.Relay.RateLimit)
	}
	if cfg.Relay.RateWindow != 5*time.Second {
		t.Errorf("expected 5s window, got %v", cfg.Relay.RateWindow)
	}
	if cfg.Store.Path != "/tmp/other.db" {
		t.Errorf("expected overridden store path, got %s", cfg.Store.Path)
	}
}
