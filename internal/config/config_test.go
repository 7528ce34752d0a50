package config

import (
	"strings"
	"testing"
	"time"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHCORE_SIGNING_KEY", testSigningKey)
	t.Setenv("AUTHCORE_PG_DSN", "postgres://localhost/authcore")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.SessionBackend != BackendPostgres {
		t.Fatalf("backend = %q", cfg.SessionBackend)
	}
	if cfg.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("access ttl = %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 14*24*time.Hour {
		t.Fatalf("refresh ttl = %v", cfg.RefreshTokenTTL)
	}
	if cfg.PreviousSigningKey != nil {
		t.Fatal("previous key should default to nil")
	}
}

func TestLoadRequiresSigningKey(t *testing.T) {
	t.Setenv("AUTHCORE_SIGNING_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without signing key")
	}
}

func TestLoadRejectsShortSigningKey(t *testing.T) {
	t.Setenv("AUTHCORE_SIGNING_KEY", "too-short")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for short signing key")
	}
}

func TestLoadRedisBackendNeedsAddr(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_SESSION_BACKEND", "redis")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without redis addr")
	}

	t.Setenv("AUTHCORE_REDIS_ADDR", "localhost:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionBackend != BackendRedis {
		t.Fatalf("backend = %q", cfg.SessionBackend)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_SESSION_BACKEND", "dynamo")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "unknown session backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestLoadRejectsInvertedTTLs(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_ACCESS_TOKEN_TTL", "48h")
	t.Setenv("AUTHCORE_REFRESH_TOKEN_TTL", "24h")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when access TTL outlives refresh TTL")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTHCORE_ADDR", ":9999")
	t.Setenv("AUTHCORE_ACCESS_TOKEN_TTL", "5m")
	t.Setenv("AUTHCORE_BCRYPT_COST", "10")
	t.Setenv("AUTHCORE_HASH_PARALLELISM", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.AccessTokenTTL != 5*time.Minute || cfg.BcryptCost != 10 || cfg.HashParallelism != 2 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}
