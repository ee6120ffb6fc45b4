package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/charterlabs/eventcore/internal/consumers/audit"
	"github.com/charterlabs/eventcore/pkg/bigquery"
	"github.com/charterlabs/eventcore/pkg/config"
	"github.com/charterlabs/eventcore/pkg/consumer"
	"github.com/charterlabs/eventcore/pkg/db"
	"github.com/charterlabs/eventcore/pkg/dedup"
	"github.com/charterlabs/eventcore/pkg/logger"
	"github.com/charterlabs/eventcore/pkg/metrics"
	"github.com/charterlabs/eventcore/pkg/migrate"
	"github.com/charterlabs/eventcore/pkg/redis"
	"github.com/charterlabs/eventcore/pkg/stream"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "consumer-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "consumer-worker"

	logg = logger.New(logger.Options{
		ServiceName: "consumer-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		requireResource(ctx, logg, "dev migrations", err)
	}

	pingers := map[string]pinger{
		"database": dbClient.Ping,
	}

	// The log backend is a construction-time choice between two real
	// implementations; the memory backend exists for single-process
	// offline runs, never as a silent fallback.
	var eventLog stream.Log
	if cfg.Stream.IsMemoryBackend() {
		eventLog = stream.NewMemoryLog()
	} else {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		requireResource(ctx, logg, "redis", err)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(ctx, "error closing redis client", err)
			}
		}()
		pingers["redis"] = redisClient.Ping

		eventLog, err = stream.NewRedisLog(redisClient, cfg.Stream.MaxLen, logg)
		requireResource(ctx, logg, "event log", err)
	}

	store, err := dedup.NewGormStore(dbClient)
	requireResource(ctx, logg, "dedup store", err)

	bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
	requireResource(ctx, logg, "bigquery client", err)
	defer func() {
		if err := bqClient.Close(); err != nil {
			logg.Error(ctx, "error closing bigquery client", err)
		}
	}()
	pingers["bigquery"] = bqClient.Ping

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	consumerMetrics := metrics.NewConsumerMetrics(registry)

	engine, err := consumer.New(consumer.Params{
		Config:  cfg,
		Log:     eventLog,
		Store:   store,
		Logger:  logg,
		Metrics: consumerMetrics,
	})
	requireResource(ctx, logg, "consumer engine", err)

	auditConsumer, err := audit.NewConsumer(bqClient, cfg.BigQuery.AuditTable, cfg.BigQuery.AuditEventTypes, logg)
	requireResource(ctx, logg, "audit consumer", err)

	auditTypes := cfg.BigQuery.AuditEventTypes
	if len(auditTypes) == 0 {
		requireResource(ctx, logg, "audit event types",
			errors.New("at least one audit event type must be configured"))
	}
	for _, eventType := range auditTypes {
		err := engine.RegisterHandler(eventType, auditConsumer.Handle)
		requireResource(ctx, logg, "audit handler registration", err)
	}

	service, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		Consumer: engine,
		Registry: registry,
		Pingers:  pingers,
	})
	requireResource(ctx, logg, "consumer worker service", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"stream":      cfg.Consumer.Stream,
		"group":       cfg.Consumer.Group,
	})
	logg.Info(runCtx, "consumer worker ready")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "consumer worker failed", err)
		os.Exit(1)
	}
	logg.Info(runCtx, "consumer worker shutting down gracefully")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
