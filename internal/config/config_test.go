package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "fieldsense.yaml", `
log_level: debug
storage:
  driver: memory
liveness:
  threshold: 10m
analysis:
  min_samples:
    clustering: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug, got %s", cfg.LogLevel)
	}
	if cfg.Liveness.Threshold != 10*time.Minute {
		t.Fatalf("expected 10m threshold, got %s", cfg.Liveness.Threshold)
	}
	if cfg.Analysis.MinSamples["clustering"] != 50 {
		t.Fatalf("expected clustering override, got %d", cfg.Analysis.MinSamples["clustering"])
	}
	if cfg.Analysis.MinSamples["prediction"] != 20 || cfg.Analysis.MinSamples["classification"] != 20 {
		t.Fatalf("expected defaults for other kinds, got %v", cfg.Analysis.MinSamples)
	}
	if cfg.Dedupe.Stripes != 64 {
		t.Fatalf("expected default stripes, got %d", cfg.Dedupe.Stripes)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "fieldsense.json", `{"storage":{"driver":"memory"},"api":{"enabled":true,"addr":":9999","api_keys":["k1"]}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Addr != ":9999" || len(cfg.API.APIKeys) != 1 {
		t.Fatalf("unexpected api config %+v", cfg.API)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":    func(c *Config) { c.Storage.Driver = "mysql" },
		"dsn":       func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" },
		"kafka":     func(c *Config) { c.Ingest.Kafka.Enabled = true },
		"redis":     func(c *Config) { c.Dedupe.Redis.Enabled = true; c.Dedupe.Redis.Addr = "" },
		"clusters":  func(c *Config) { c.Analysis.Clusters = 1 },
		"tcp":       func(c *Config) { c.Ingest.TCPStream.Enabled = true; c.Ingest.TCPStream.Addr = "" },
		"tolerance": func(c *Config) { c.Dedupe.Tolerance = -time.Second },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestEmptyFileRejected(t *testing.T) {
	path := writeFile(t, "empty.yaml", "   \n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "fieldsense.yaml", "storage:\n  driver: memory\nliveness:\n  threshold: 1m\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().Liveness.Threshold != time.Minute {
		t.Fatalf("unexpected threshold %s", m.Get().Liveness.Threshold)
	}
	if err := os.WriteFile(path, []byte("storage:\n  driver: memory\nliveness:\n  threshold: 2m\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Liveness.Threshold != 2*time.Minute || m.Get().Liveness.Threshold != 2*time.Minute {
		t.Fatalf("reload did not apply new threshold")
	}
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	if m.Get().Storage.Driver != "sqlite" {
		t.Fatalf("expected default config")
	}
	needs, err := m.NeedsReload()
	if err != nil || needs {
		t.Fatalf("static manager should never need reload")
	}
}

func TestParseSniffsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`  {"storage":{"driver":"memory"},"dedupe":{"tolerance":1000000000}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Dedupe.Tolerance != time.Second {
		t.Fatalf("unexpected config %+v", cfg.Dedupe)
	}
	if _, err := Parse([]byte("storage:\n  driver: cassandra\n")); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestWatchAppliesChanges(t *testing.T) {
	path := writeFile(t, "fieldsense.yaml", "storage:\n  driver: memory\nliveness:\n  threshold: 1m\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx, 10*time.Millisecond, func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		}, nil)
	}()

	if err := os.WriteFile(path, []byte("storage:\n  driver: memory\nliveness:\n  threshold: 3m\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	select {
	case c := <-reloaded:
		if c.Liveness.Threshold != 3*time.Minute {
			t.Fatalf("unexpected threshold %s", c.Liveness.Threshold)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not reload")
	}
	cancel()
	<-done
}
