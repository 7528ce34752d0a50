package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"authcore.org/internal/audit"
	"authcore.org/internal/auth"
	"authcore.org/internal/config"
	"authcore.org/internal/httpapi"
	"authcore.org/internal/obs"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db *sql.DB
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		cancel()
	}
	if db == nil {
		log.Fatal("AUTHCORE_PG_DSN is required")
	}

	identities := auth.NewPGIdentityStore(db)
	recorder := audit.NewRecorder(audit.NewPGStore(db), nil)

	var sessions auth.SessionStore
	switch cfg.SessionBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Fatalf("ping redis: %v", err)
		}
		cancel()
		sessions = auth.NewRedisSessionStore(rdb, nil)
	default:
		sessions = auth.NewPGSessionStore(db, nil)
	}

	svc, err := auth.NewService(identities, sessions, recorder,
		auth.WithSigningKey(cfg.SigningKey),
		auth.WithPreviousSigningKey(cfg.PreviousSigningKey),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
		auth.WithBcryptCost(cfg.BcryptCost),
		auth.WithHashParallelism(cfg.HashParallelism),
	)
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	// Background sweep of logically dead session rows. Expired rows are
	// already invisible to reads, so sweep cadence only affects table size.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := svc.SweepExpiredSessions(sweepCtx)
				if err != nil {
					log.Printf("session sweep: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("session sweep removed %d records", n)
				}
			}
		}
	}()

	api := httpapi.New(svc, httpapi.ReadyProbe{DB: db}, httpapi.Options{
		Version:       version,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authcore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
