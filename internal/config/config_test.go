package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
		Store: StoreConfig{Driver: StorePostgres},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_ProductionRejectsMemoryStore(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
		Store: StoreConfig{Driver: StoreMemory},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for memory store in production")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Calls.RingTimeout != 45*time.Second || c.Calls.SweepInterval != 10*time.Second {
		t.Fatalf("unexpected call defaults: %+v", c.Calls)
	}
	if c.Calls.InboxCapacity != 10 {
		t.Fatalf("expected inbox capacity 10, got %d", c.Calls.InboxCapacity)
	}
}

func TestValidate_FanoutRequiresRedis(t *testing.T) {
	c := Config{
		App:      AppConfig{Env: "local", Port: 8080},
		Auth:     AuthConfig{JWTSecret: "secret"},
		Realtime: RealtimeConfig{Fanout: true},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected fanout without redis to fail")
	}
}

func TestLoad_ParsesTunables(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CALL_STORE", "memory")
	t.Setenv("RING_TIMEOUT", "30s")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("ROUTING_ALIASES", "x:xavier,y:yolanda")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Calls.RingTimeout != 30*time.Second {
		t.Fatalf("expected 30s ring timeout, got %s", c.Calls.RingTimeout)
	}
	if c.Calls.Aliases["x"] != "xavier" || len(c.Calls.Aliases) != 2 {
		t.Fatalf("unexpected aliases: %v", c.Calls.Aliases)
	}
	if len(c.Realtime.AllowedOrigins) != 2 {
		t.Fatalf("unexpected origins: %v", c.Realtime.AllowedOrigins)
	}
	if c.HasPostgres() || c.HasRedis() {
		t.Fatalf("expected no durable backends")
	}
}

func TestLoadDotEnv_DoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("DOTENV_ONLY=from-file\nDOTENV_SHARED=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DOTENV_SHARED", "from-env")
	t.Cleanup(func() { os.Unsetenv("DOTENV_ONLY") })

	if err := LoadDotEnv(p, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if os.Getenv("DOTENV_ONLY") != "from-file" {
		t.Fatalf("expected value from file")
	}
	if os.Getenv("DOTENV_SHARED") != "from-env" {
		t.Fatalf("expected environment to win")
	}
}
