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

	"reservia.org/internal/audit"
	"reservia.org/internal/config"
	"reservia.org/internal/httpapi"
	"reservia.org/internal/identity"
	"reservia.org/internal/obs"
	"reservia.org/internal/store/memory"
	"reservia.org/internal/store/pg"
	"reservia.org/internal/store/redisstore"
	"reservia.org/internal/stream"
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
	if cfg.TokenSecret == "" {
		log.Fatal("RESERVIA_TOKEN_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Identity store: Postgres when a DSN is configured, in-memory otherwise.
	var (
		idStore    identity.Store
		auditStore audit.Store
		db         *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		idStore = pgStore
		auditStore = pgStore.Audit()
		db = pgStore.DB()
	} else {
		log.Print("no PG DSN configured, using in-memory store")
		idStore = memory.New()
		auditStore = memory.NewAuditStore()
	}

	// Secret store: Redis when configured so revocation is shared across
	// replicas, in-memory otherwise.
	var (
		secrets    identity.SecretStore
		redisProbe httpapi.Pinger
		closeRedis func() error
	)
	if cfg.RedisAddr != "" {
		rs, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			log.Fatalf("open redis: %v", err)
		}
		secrets = rs
		redisProbe = rs
		closeRedis = rs.Close
	} else {
		log.Print("no Redis configured, using in-memory secret store")
		secrets = memory.NewSecretStore()
	}

	events := stream.New()
	recorder := audit.NewRecorder(auditStore, events,
		audit.WithRetention(time.Duration(cfg.AuditRetentionDays)*24*time.Hour),
		audit.WithBuffer(cfg.AuditBufferSize),
	)
	defer recorder.Close()
	go recorder.RunSweeper(ctx, time.Hour)

	tokens, err := identity.NewTokenService(cfg.TokenSecret, cfg.TokenIssuer, secrets,
		identity.WithAccessTTL(cfg.AccessTTL),
		identity.WithRefreshTTL(cfg.RefreshTTL),
		identity.WithChallengeTTL(cfg.ChallengeTTL),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	twoFactor := identity.NewTwoFactorEngine(idStore, cfg.TokenIssuer)
	rbac := identity.NewRBACService(idStore)

	svc, err := identity.NewService(idStore, secrets, tokens, twoFactor, rbac, recorder, cfg)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}

	api := httpapi.New(svc, rbac, recorder, events,
		httpapi.ReadyProbe{DB: db, Redis: redisProbe}, version, cfg)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting reservia-identity %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	cancel()
	if closeRedis != nil {
		_ = closeRedis()
	}
	log.Println("Stopped")
}
