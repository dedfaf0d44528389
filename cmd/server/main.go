package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snackpos/backend/internal/cache"
	"snackpos/backend/internal/config"
	"snackpos/backend/internal/httpapi"
	"snackpos/backend/internal/ledger"
	"snackpos/backend/internal/notify"
	"snackpos/backend/internal/service"
	"snackpos/backend/internal/session"
	"snackpos/backend/internal/stock"
	"snackpos/backend/internal/store"
	"snackpos/backend/internal/store/memory"
	pgstore "snackpos/backend/internal/store/postgres"
	"snackpos/backend/internal/telemetry"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{Endpoint: cfg.OTLPEndpoint, ServiceName: cfg.ServiceName})
	if err != nil {
		log.Printf("telemetry unavailable (%v), continuing without exporters", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	var repo store.Repository
	closers := make([]func() error, 0, 4)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migration failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var guard cache.ScanGuard = cache.NewMemoryScanGuard(cfg.DuplicateScanWindow)
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.RedisAddr != "" {
		redisGuard := cache.NewRedisScanGuard(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DuplicateScanWindow)
		if err := redisGuard.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-process scan guard", err)
			_ = redisGuard.Close()
		} else {
			guard = redisGuard
			publisher := notify.NewRedisNotifier(redisGuard.Client(), cfg.LowStockChannel, 256)
			notifier = notify.Fanout{notify.LogNotifier{}, publisher}
			// publisher drains before the shared client closes
			closers = append(closers, publisher.Close, redisGuard.Close)
			log.Println("scan guard: redis")
		}
	} else {
		log.Println("scan guard: in-process")
	}

	sessions := session.NewManager(repo, cfg.SessionMaxAge)
	stockLedger := stock.NewLedger(repo, notifier)
	txLedger := ledger.New(repo, stockLedger, sessions)
	svc := service.New(repo, sessions, txLedger, stockLedger, guard, service.Options{AutoStartSession: cfg.AutoStartSession})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if cfg.BootstrapAdminPassword != "" {
		created, err := auth.EnsureAccount(ctx, cfg.BootstrapAdminUser, cfg.BootstrapAdminPassword, httpapi.RoleAdmin)
		if err != nil {
			log.Fatalf("bootstrap admin account: %v", err)
		}
		if created {
			log.Printf("created bootstrap admin account %q", cfg.BootstrapAdminUser)
		}
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		sessions.RunCleanup(cleanupCtx, cfg.SessionCleanupInterval, cfg.SessionMaxAge)
	}()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("snack POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopCleanup()
	<-cleanupDone

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown error: %v", err)
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.DuplicateScanWindow <= 0 {
		return fmt.Errorf("DUPLICATE_SCAN_WINDOW_MS must be positive")
	}
	if cfg.SessionCleanupInterval > cfg.SessionMaxAge {
		return fmt.Errorf("SESSION_CLEANUP_INTERVAL_MINUTES must not exceed SESSION_MAX_AGE_HOURS")
	}
	return nil
}
