package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/providersync/internal/api"
	"example.com/providersync/internal/auth"
	"example.com/providersync/internal/broadcast"
	"example.com/providersync/internal/config"
	persistence "example.com/providersync/internal/persistence/postgres"
	"example.com/providersync/internal/provider"
	"example.com/providersync/internal/queue"
	syncengine "example.com/providersync/internal/sync"
	httptransport "example.com/providersync/internal/transport/http"
	"example.com/providersync/internal/webhook"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	connections := persistence.NewConnectionStore(pool)
	ledger := persistence.NewSyncRunLedger(pool)
	activities := persistence.NewActivityStore(pool)
	locks := persistence.NewLeaseLock(pool)
	events := persistence.NewWebhookEventStore(pool)

	registry := provider.NewRegistry(provider.NewStravaClient(provider.StravaConfig{
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
	}))

	broadcaster := broadcast.NewKafkaBroadcaster(cfg.KafkaBrokers, cfg.StatusTopic)
	defer broadcaster.Close()

	coordinator := syncengine.NewCoordinator(connections, ledger, activities, locks, broadcaster, registry, syncengine.DefaultConfig())
	enqueuer := queue.NewEnqueuer(ledger)

	jobWriter := queue.NewJobWriter(cfg.KafkaBrokers, cfg.SyncJobsTopic)
	defer jobWriter.Close()
	dispatcher := queue.NewDispatcher(ledger, jobWriter, cfg.DispatchPollInterval, cfg.DispatchBatchSize)
	go dispatcher.Start(ctx)

	webhooks := webhook.NewService(events, connections, activities, enqueuer, cfg.WebhookVerifyToken)

	handler := api.NewHandler(connections, ledger, activities, coordinator, webhooks, registry)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, api.WebhookSkipper)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, authMiddleware.Wrap(logger(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("provider-sync api listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	dispatcher.Wait()
}
