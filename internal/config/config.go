package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects the session ledger implementation.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Config is loaded once at startup and treated as immutable afterwards.
// Every knob comes from the environment with an AUTHCORE_ prefix.
type Config struct {
	Addr    string
	Version string

	PGDSN          string
	SessionBackend Backend
	RedisAddr      string
	RedisPassword  string

	SigningKey         []byte
	PreviousSigningKey []byte
	Issuer             string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	BcryptCost      int
	HashParallelism int
	SweepInterval   time.Duration

	MaxBodyBytes  int64
	RateBurst     int
	RatePerSecond int
}

// Load reads and validates the environment. A missing signing key is a hard
// error: starting without one would mint unverifiable tokens.
func Load() (Config, error) {
	cfg := Config{
		Addr:               envOr("AUTHCORE_ADDR", ":8080"),
		PGDSN:              os.Getenv("AUTHCORE_PG_DSN"),
		RedisAddr:          os.Getenv("AUTHCORE_REDIS_ADDR"),
		RedisPassword:      os.Getenv("AUTHCORE_REDIS_PASSWORD"),
		SigningKey:         []byte(os.Getenv("AUTHCORE_SIGNING_KEY")),
		PreviousSigningKey: []byte(os.Getenv("AUTHCORE_PREVIOUS_SIGNING_KEY")),
		Issuer:             envOr("AUTHCORE_ISSUER", "authcore"),
	}

	if len(cfg.SigningKey) == 0 {
		return Config{}, fmt.Errorf("config: AUTHCORE_SIGNING_KEY is required")
	}
	if len(cfg.SigningKey) < 32 {
		return Config{}, fmt.Errorf("config: AUTHCORE_SIGNING_KEY must be at least 32 bytes")
	}
	if len(cfg.PreviousSigningKey) == 0 {
		cfg.PreviousSigningKey = nil
	}

	backend := strings.ToLower(envOr("AUTHCORE_SESSION_BACKEND", string(BackendPostgres)))
	switch Backend(backend) {
	case BackendPostgres:
		cfg.SessionBackend = BackendPostgres
	case BackendRedis:
		cfg.SessionBackend = BackendRedis
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("config: AUTHCORE_REDIS_ADDR is required for the redis backend")
		}
	default:
		return Config{}, fmt.Errorf("config: unknown session backend %q", backend)
	}

	var err error
	if cfg.AccessTokenTTL, err = envDuration("AUTHCORE_ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenTTL, err = envDuration("AUTHCORE_REFRESH_TOKEN_TTL", 14*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("AUTHCORE_SWEEP_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.BcryptCost, err = envInt("AUTHCORE_BCRYPT_COST", 0); err != nil {
		return Config{}, err
	}
	if cfg.HashParallelism, err = envInt("AUTHCORE_HASH_PARALLELISM", 4); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = envInt("AUTHCORE_RATE_BURST", 50); err != nil {
		return Config{}, err
	}
	if cfg.RatePerSecond, err = envInt("AUTHCORE_RATE_PER_SECOND", 25); err != nil {
		return Config{}, err
	}
	maxBody, err := envInt("AUTHCORE_MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxBodyBytes = int64(maxBody)

	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return Config{}, fmt.Errorf("config: token TTLs must be positive")
	}
	if cfg.AccessTokenTTL >= cfg.RefreshTokenTTL {
		return Config{}, fmt.Errorf("config: access token TTL must be shorter than refresh token TTL")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
