package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
listen: ":9000"
health_listen: "127.0.0.1:9090"

upstream:
  host: db.internal
  port: 443
  tls: true

credential:
  username: svc-account
  password: hunter2

token:
  pool_size: 5
  ttl_seconds: 1800
  refresh_check_seconds: 30
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != ":9000" {
		t.Errorf("expected listen :9000, got %s", cfg.Listen)
	}
	if cfg.Upstream.Host != "db.internal" || cfg.Upstream.Port != 443 || !cfg.Upstream.TLS {
		t.Errorf("unexpected upstream: %+v", cfg.Upstream)
	}
	if cfg.Credential.Username != "svc-account" || cfg.Credential.Password != "hunter2" {
		t.Errorf("unexpected credential: %+v", cfg.Credential)
	}
	if cfg.Token.PoolSize != 5 {
		t.Errorf("expected pool_size 5, got %d", cfg.Token.PoolSize)
	}
	if cfg.Token.TTL() != 30*time.Minute {
		t.Errorf("expected ttl 30m, got %v", cfg.Token.TTL())
	}
	if cfg.Token.RefreshCheckInterval() != 30*time.Second {
		t.Errorf("expected refresh check interval 30s, got %v", cfg.Token.RefreshCheckInterval())
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
upstream:
  host: db.internal
  port: 443

credential:
  username: svc
  password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Credential.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.Credential.Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing upstream host",
			yaml: `
upstream:
  port: 443
credential:
  username: svc
`,
		},
		{
			name: "invalid upstream port",
			yaml: `
upstream:
  host: db.internal
  port: 99999
credential:
  username: svc
`,
		},
		{
			name: "missing credential username",
			yaml: `
upstream:
  host: db.internal
  port: 443
`,
		},
		{
			name: "zero pool size",
			yaml: `
upstream:
  host: db.internal
  port: 443
credential:
  username: svc
token:
  pool_size: 0
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
upstream:
  host: db.internal
  port: 443
credential:
  username: svc
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != ":8000" {
		t.Errorf("expected default listen :8000, got %s", cfg.Listen)
	}
	if cfg.HealthListen != "127.0.0.1:8080" {
		t.Errorf("expected default health_listen 127.0.0.1:8080, got %s", cfg.HealthListen)
	}
	if cfg.Token.PoolSize != 10 {
		t.Errorf("expected default pool_size 10, got %d", cfg.Token.PoolSize)
	}
	if cfg.Token.TTLSeconds != 3600 {
		t.Errorf("expected default ttl_seconds 3600, got %d", cfg.Token.TTLSeconds)
	}
	if cfg.Token.RefreshCheckSeconds != 60 {
		t.Errorf("expected default refresh_check_seconds 60, got %d", cfg.Token.RefreshCheckSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	yaml := `
upstream:
  host: db.internal
  port: 443
credential:
  username: svc
  password: filepass
token:
  pool_size: 5
`
	path := writeTemp(t, yaml)

	os.Setenv("TPP_LISTEN", ":7000")
	os.Setenv("TPP_UPSTREAM_HOST", "override.internal")
	os.Setenv("TPP_UPSTREAM_TLS", "true")
	os.Setenv("TPP_CREDENTIAL_PASSWORD", "envpass")
	os.Setenv("TPP_TOKEN_POOL_SIZE", "9")
	defer func() {
		os.Unsetenv("TPP_LISTEN")
		os.Unsetenv("TPP_UPSTREAM_HOST")
		os.Unsetenv("TPP_UPSTREAM_TLS")
		os.Unsetenv("TPP_CREDENTIAL_PASSWORD")
		os.Unsetenv("TPP_TOKEN_POOL_SIZE")
	}()

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != ":7000" {
		t.Errorf("expected env-overridden listen :7000, got %s", cfg.Listen)
	}
	if cfg.Upstream.Host != "override.internal" {
		t.Errorf("expected env-overridden upstream host, got %s", cfg.Upstream.Host)
	}
	if !cfg.Upstream.TLS {
		t.Error("expected env-overridden upstream.tls true")
	}
	if cfg.Credential.Password != "envpass" {
		t.Errorf("expected env-overridden password, got %s", cfg.Credential.Password)
	}
	if cfg.Token.PoolSize != 9 {
		t.Errorf("expected env-overridden pool_size 9, got %d", cfg.Token.PoolSize)
	}
}

func TestCredentialRedacted(t *testing.T) {
	c := Credential{Username: "svc", Password: "hunter2"}
	r := c.Redacted()
	if r.Password == "hunter2" {
		t.Error("expected password to be redacted")
	}
	if r.Username != "svc" {
		t.Error("expected username to survive redaction")
	}
	if c.Password != "hunter2" {
		t.Error("Redacted must not mutate the receiver")
	}
}

// TestWatcherReloadsOnWrite verifies NewWatcher fires its callback with the
// freshly-reloaded config after the underlying file is rewritten, exercising
// the fsnotify-plus-debounce path end to end rather than calling reload
// directly.
func TestWatcherReloadsOnWrite(t *testing.T) {
	initial := `
upstream:
  host: db.internal
  port: 443
credential:
  username: svc
token:
  pool_size: 5
  ttl_seconds: 3600
  refresh_check_seconds: 60
`
	path := writeTemp(t, initial)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	updated := `
upstream:
  host: db.internal
  port: 443
credential:
  username: svc
token:
  pool_size: 5
  ttl_seconds: 120
  refresh_check_seconds: 15
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("rewriting config file: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Token.TTLSeconds != 120 {
			t.Errorf("expected reloaded ttl_seconds 120, got %d", cfg.Token.TTLSeconds)
		}
		if cfg.Token.RefreshCheckSeconds != 15 {
			t.Errorf("expected reloaded refresh_check_seconds 15, got %d", cfg.Token.RefreshCheckSeconds)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never invoked the reload callback after the file changed")
	}
}

// TestWatcherSkipsCallbackOnInvalidReload verifies a rewrite that fails
// validation is logged and does not invoke the callback with a broken config
// — the watcher keeps running on the last-known-good config.
func TestWatcherSkipsCallbackOnInvalidReload(t *testing.T) {
	initial := `
upstream:
  host: db.internal
  port: 443
credential:
  username: svc
token:
  pool_size: 5
`
	path := writeTemp(t, initial)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Drop the required upstream.host so reload's Load() fails validation.
	broken := `
upstream:
  port: 443
credential:
  username: svc
`
	if err := os.WriteFile(path, []byte(broken), 0644); err != nil {
		t.Fatalf("rewriting config file: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("expected no callback for an invalid config, got %+v", cfg)
	case <-time.After(1500 * time.Millisecond):
	}
}

// TestWatcherStopClosesCleanly verifies Stop can be called without a pending
// reload and does not panic or deadlock.
func TestWatcherStopClosesCleanly(t *testing.T) {
	yaml := `
upstream:
  host: db.internal
  port: 443
credential:
  username: svc
`
	path := writeTemp(t, yaml)

	w, err := NewWatcher(path, func(cfg *Config) {})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
