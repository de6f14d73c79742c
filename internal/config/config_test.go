package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Fetch.BatchSize != 512 || cfg.Fetch.MaxRetries != 10 {
		t.Errorf("unexpected fetch defaults %+v", cfg.Fetch)
	}
	if cfg.Fetch.BaseDelay != 120*time.Millisecond || cfg.Fetch.StaggerCoef != 10*time.Millisecond {
		t.Errorf("unexpected pacing defaults %+v", cfg.Fetch)
	}
	if cfg.Buffer.Capacity != 1024 || cfg.Sink.MaxRetries != 3 {
		t.Errorf("unexpected buffer/sink defaults")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("CTINGEST_TEST_DSN", "postgres://ct@localhost/ct")
	path := filepath.Join(t.TempDir(), "ctingest.yaml")
	body := `
log:
  url: https://ct.googleapis.com/logs/us1/argon2025h1/
  start_index: 1000
  end_index: 2000
fetch:
  batch_size: 256
  retry_delay: 250ms
buffer:
  kind: kafka
  kafka:
    topic: certs-raw
sink:
  kind: postgres
  dsn: ${CTINGEST_TEST_DSN}
  recreate_confirmed: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Log.StartIndex != 1000 || cfg.Log.EndIndex != 2000 {
		t.Errorf("range = [%d, %d)", cfg.Log.StartIndex, cfg.Log.EndIndex)
	}
	if cfg.Fetch.BatchSize != 256 || cfg.Fetch.RetryDelay != 250*time.Millisecond {
		t.Errorf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Fetch.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want default 10 kept", cfg.Fetch.MaxRetries)
	}
	if cfg.Buffer.Kafka.Topic != "certs-raw" || cfg.Buffer.Kafka.Brokers != "localhost:9092" {
		t.Errorf("kafka = %+v", cfg.Buffer.Kafka)
	}
	if cfg.Sink.DSN != "postgres://ct@localhost/ct" || !cfg.Sink.RecreateConfirmed {
		t.Errorf("sink = %+v", cfg.Sink)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	t.Parallel()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Log.URL != DefaultLogURL {
		t.Errorf("URL = %q", cfg.Log.URL)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() on missing file expected error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("fetch: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() on malformed file expected error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"end before start", func(c *Config) { c.Log.StartIndex, c.Log.EndIndex = 10, 5 }, "end_index"},
		{"end equals start", func(c *Config) { c.Log.StartIndex, c.Log.EndIndex = 10, 10 }, "end_index"},
		{"zero batch", func(c *Config) { c.Fetch.BatchSize = 0 }, "batch_size"},
		{"zero workers", func(c *Config) { c.Load.Workers = 0 }, "load.workers"},
		{"unknown buffer", func(c *Config) { c.Buffer.Kind = "redis" }, "buffer.kind"},
		{"unknown sink", func(c *Config) { c.Sink.Kind = "sqlite" }, "sink.kind"},
		{"postgres without dsn", func(c *Config) { c.Sink.Kind = SinkPostgres }, "sink.dsn"},
		{"no url", func(c *Config) { c.Log.URL = "" }, "log.url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}
