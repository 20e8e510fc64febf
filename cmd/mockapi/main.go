// Command mockapi starts a local stand-in for the MtaalamuX REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	pkgcrypto "github.com/mtaalamux/client/internal/crypto"
	"github.com/mtaalamux/client/internal/limiter"
	"github.com/mtaalamux/client/internal/migrate"
	"github.com/mtaalamux/client/internal/repository"
	"github.com/mtaalamux/client/internal/repository/memory"
	"github.com/mtaalamux/client/internal/repository/postgres"
	httpserver "github.com/mtaalamux/client/internal/server/http"
	"github.com/mtaalamux/client/internal/service"
	"github.com/mtaalamux/client/pkg/logger"
	"github.com/mtaalamux/client/pkg/tracing"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses flags, prepares storage and serves the API until interrupted.
func main() {
	addr := flag.String("addr", ":8000", "listen address")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (empty keeps everything in memory)")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (required)")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "access token TTL")
	refreshTTL := flag.Duration("refresh-ttl", 7*24*time.Hour, "refresh token TTL")
	rate := flag.Int("rate", 120, "requests per minute per client address (0 disables)")
	seed := flag.Bool("seed", false, "create demo accounts and an active consultation")
	logLevel := flag.String("log-level", "info", "log level")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP/HTTP endpoint (empty disables tracing)")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Encoding: "json"})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	if *jwtKey == "" {
		log.Fatal("missing jwt signing key (-jwt-key)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     *otelEndpoint != "",
		Endpoint:    *otelEndpoint,
		ServiceName: "mtaalamux-mockapi",
		Version:     version,
		Insecure:    true,
	})
	if err != nil {
		log.Fatal("tracing init", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var (
		store repository.Store
		lim   limiter.Limiter
	)
	if *dsn != "" {
		if err := migrate.Up(ctx, *dsn, log); err != nil {
			log.Fatal("migrate up", zap.Error(err))
		}
		db, err := postgres.New(ctx, *dsn)
		if err != nil {
			log.Fatal("postgres.New", zap.Error(err))
		}
		defer db.Close()
		store = db.Store()
		lim = limiter.NewPG(db.Pool, limiter.DefaultPolicy)
	} else {
		log.Info("no -dsn given, using in-memory storage")
		store = memory.New(nil)
		lim = limiter.NewMemory(limiter.DefaultPolicy, nil)
	}

	authSvc := service.NewAuthService(store.Users, pkgcrypto.NewHasher(pkgcrypto.DefaultParams), service.TokenConfig{
		SignKey:    []byte(*jwtKey),
		AccessTTL:  *accessTTL,
		RefreshTTL: *refreshTTL,
	}, lim)
	accountSvc := service.NewAccountService(store.Users, store.Upgrades)
	msgSvc := service.NewMessagingService(store, nil, log)

	if *seed {
		if err := seedDemo(ctx, authSvc, msgSvc, time.Now(), log); err != nil {
			log.Fatal("seed", zap.Error(err))
		}
	}

	app := httpserver.New(authSvc, accountSvc, msgSvc, log)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           app.Handler(httpserver.Options{RateLimit: *rate, RateWindow: time.Minute}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", *addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown", zap.Error(err))
			_ = srv.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	log.Info("shutdown complete")
}
