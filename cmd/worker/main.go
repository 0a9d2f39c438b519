package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/providersync/internal/broadcast"
	"example.com/providersync/internal/config"
	persistence "example.com/providersync/internal/persistence/postgres"
	"example.com/providersync/internal/provider"
	"example.com/providersync/internal/queue"
	"example.com/providersync/internal/scheduler"
	syncengine "example.com/providersync/internal/sync"
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

	registry := provider.NewRegistry(provider.NewStravaClient(provider.StravaConfig{
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
	}))

	broadcaster := broadcast.NewKafkaBroadcaster(cfg.KafkaBrokers, cfg.StatusTopic)
	defer broadcaster.Close()

	coordinator := syncengine.NewCoordinator(connections, ledger, activities, locks, broadcaster, registry, syncengine.DefaultConfig())

	bulk := scheduler.New(connections, queue.NewEnqueuer(ledger), scheduler.Config{
		Schedule:        cfg.BulkSyncSchedule,
		StalenessWindow: cfg.StalenessWindow,
		BatchSize:       cfg.BulkSyncBatchSize,
	})
	if err := bulk.Start(ctx); err != nil {
		log.Fatalf("failed to start bulk scheduler: %v", err)
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}

	go func() {
		log.Printf("worker metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           cfg.SyncJobsTopic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})

	proc := queue.NewProcessor(reader, coordinator)

	var wg sync.WaitGroup
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer reader.Close()

		log.Printf("worker started (topic=%s, group=%s)", cfg.SyncJobsTopic, cfg.ConsumerGroupID)
		if err := proc.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("worker stopped with error: %v", err)
		}
	}()

	<-stop
	log.Println("worker shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	bulk.Stop()
	wg.Wait()
}
