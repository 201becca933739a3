package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"crewdesk.io/internal/audit"
	"crewdesk.io/internal/auth"
	"crewdesk.io/internal/httpapi"
	"crewdesk.io/internal/obs"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := auth.ValidateCatalog(); err != nil {
		log.Fatalf("permission catalog: %v", err)
	}

	dsn := os.Getenv("CREWDESK_PG_DSN")
	if dsn == "" {
		log.Fatal("missing CREWDESK_PG_DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	redisAddr := os.Getenv("CREWDESK_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	secret := os.Getenv("CREWDESK_AUTH_SECRET")
	if secret == "" {
		log.Fatal("missing CREWDESK_AUTH_SECRET")
	}

	store := auth.NewPGStore(db)

	var tokenOpts []auth.TokenOption
	if ttl := envDuration("CREWDESK_ACCESS_TTL"); ttl > 0 {
		tokenOpts = append(tokenOpts, auth.WithAccessTTL(ttl))
	}
	if ttl := envDuration("CREWDESK_REFRESH_TTL"); ttl > 0 {
		tokenOpts = append(tokenOpts, auth.WithRefreshTTL(ttl))
	}
	tokens, err := auth.NewTokenService(store, secret, tokenOpts...)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	hasher := auth.NewHasher(envInt("CREWDESK_HASH_WORKERS", 4))
	throttle := auth.NewThrottle(rdb, auth.DefaultThrottleConfig())
	bridge := auth.NewBridgeStore(rdb, tokens.BridgeTTL())
	twofa := auth.NewTwoFactorChallenge(store, bridge, "CrewDesk")
	sessions := auth.NewSessionRegistry(rdb, 24*time.Hour)

	sink := audit.NewSink(1024, audit.WithAppender(audit.NewPGAppender(db)))
	defer sink.Close()

	svc, err := auth.NewService(store, tokens, hasher, throttle, twofa, sessions, sink)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}

	probe := httpapi.ReadyProbe{DB: db, Redis: rdb}
	api := httpapi.New(svc, probe, version)

	addr := os.Getenv("CREWDESK_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// gRPC health endpoint
	grpcAddr := os.Getenv("CREWDESK_GRPC_ADDR")
	if grpcAddr == "" {
		grpcAddr = ":9090"
	}
	grpcSrv := grpc.NewServer()
	healthSvc := httpapi.NewGRPCHealth(probe)
	healthSvc.Register(grpcSrv)
	go healthSvc.Watch(rootCtx, 10*time.Second)
	go func() {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		if err := grpcSrv.Serve(lis); err != nil {
			log.Printf("grpc serve: %v", err)
		}
	}()

	// best-effort sweep of expired refresh token rows
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
				if n, err := svc.SweepExpired(sweepCtx); err != nil {
					log.Printf("expiry sweep: %v", err)
				} else if n > 0 {
					log.Printf("expiry sweep: removed %d rows", n)
				}
				cancel()
			}
		}
	}()

	log.Printf("Starting crewdesk-api %s on %s (grpc %s)", version, srv.Addr, grpcAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	_ = rdb.Close()
	_ = db.Close()
	log.Println("Stopped")
}

func envDuration(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	return d
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	return n
}
