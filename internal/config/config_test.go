package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Worker.PoolSize != 5 {
		t.Errorf("Worker.PoolSize = %d, want 5", cfg.Worker.PoolSize)
	}
	if cfg.Sandbox.Timeout != 5*time.Second {
		t.Errorf("Sandbox.Timeout = %s, want 5s", cfg.Sandbox.Timeout)
	}
	if cfg.Queue.Attempts != 2 {
		t.Errorf("Queue.Attempts = %d, want 2", cfg.Queue.Attempts)
	}
	if cfg.Queue.InitialBackoff != time.Second {
		t.Errorf("Queue.InitialBackoff = %s, want 1s", cfg.Queue.InitialBackoff)
	}
	if cfg.Queue.LeaseTimeout != 30*time.Second {
		t.Errorf("Queue.LeaseTimeout = %s, want 30s", cfg.Queue.LeaseTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"empty queue addr", func(c *Config) { c.Queue.Addr = "" }, true},
		{"queue attempts 0", func(c *Config) { c.Queue.Attempts = 0 }, true},
		{"negative backoff", func(c *Config) { c.Queue.InitialBackoff = -time.Second }, true},
		{"lease_timeout 0", func(c *Config) { c.Queue.LeaseTimeout = 0 }, true},
		{"lease_timeout below sandbox timeout", func(c *Config) {
			c.Queue.LeaseTimeout = 3 * time.Second
			c.Sandbox.Timeout = 5 * time.Second
		}, true},
		{"sandbox timeout 0", func(c *Config) { c.Sandbox.Timeout = 0 }, true},
		{"pool size 0", func(c *Config) { c.Worker.PoolSize = 0 }, true},
		{"max_code_bytes 0", func(c *Config) { c.Security.MaxCodeBytes = 0 }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
queue:
  addr: "redis:6379"
  attempts: 3
  initial_backoff: 2s
worker:
  pool_size: 8
sandbox:
  timeout: 10s
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Queue.Addr != "redis:6379" {
		t.Errorf("Queue.Addr = %q, want %q", cfg.Queue.Addr, "redis:6379")
	}
	if cfg.Queue.Attempts != 3 {
		t.Errorf("Queue.Attempts = %d, want 3", cfg.Queue.Attempts)
	}
	if cfg.Worker.PoolSize != 8 {
		t.Errorf("Worker.PoolSize = %d, want 8", cfg.Worker.PoolSize)
	}
	if cfg.Sandbox.Timeout != 10*time.Second {
		t.Errorf("Sandbox.Timeout = %s, want 10s", cfg.Sandbox.Timeout)
	}
	// omitted sections keep their defaults
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
