package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/bootstrap"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/observability"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "waba-service").Logger()

	shutdownTrace, err := observability.InitTracingFromEnv("waba-service")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	svc, err := bootstrap.NewServiceFromEnv(logger)
	if err != nil {
		log.Fatalf("bootstrap service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Orchestrator.StartScheduler(ctx)

	srv := &http.Server{Addr: svc.Config.ListenAddr, Handler: svc.Handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", svc.Config.ListenAddr).Str("store", svc.Config.StoreType).Msg("waba-service listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("waba-service failed: %v", err)
	}

	svc.Dispatcher.Shutdown()
	logger.Info().Msg("waba-service shutting down")
}
