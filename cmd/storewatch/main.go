// Package main is the entry point for the storewatch alert service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"storewatch/internal/aggregation"
	"storewatch/internal/alertstore"
	"storewatch/internal/alertstore/memstore"
	"storewatch/internal/alertstore/pgstore"
	"storewatch/internal/broadcast"
	"storewatch/internal/classifier"
	"storewatch/internal/config"
	"storewatch/internal/consumer"
	"storewatch/internal/escalation"
	"storewatch/internal/events"
	"storewatch/internal/ingest"
	"storewatch/internal/kafka"
	"storewatch/internal/logging"
	"storewatch/internal/metrics"
	"storewatch/internal/notify"
	"storewatch/internal/pipeline"
	"storewatch/internal/queue"
	"storewatch/internal/storage"
	"storewatch/internal/storage/s3"
	"storewatch/internal/subscription"
	"storewatch/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("storewatch exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"store", cfg.Store.Driver,
		"dedupe", cfg.Ingest.Dedupe,
		"kafka_enabled", cfg.Kafka.Enabled,
		"clickhouse_enabled", cfg.ClickHouse.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)
	if cfg.Store.Driver == "postgres" {
		slog.Info("postgres store configured", "url", logging.MaskURL(cfg.Store.PostgresDSN))
	}
	if cfg.Auth.Enabled {
		masked := make([]string, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			masked = append(masked, logging.MaskAPIKey(k))
		}
		slog.Info("api key authentication enabled", "keys", masked)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	// Rules
	aggRules, err := cfg.AggregationRules()
	if err != nil {
		return fmt.Errorf("aggregation rules: %w", err)
	}
	escRules, err := cfg.EscalationRules()
	if err != nil {
		return fmt.Errorf("escalation rules: %w", err)
	}

	// Alert store
	var store alertstore.Gateway
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.SaveEscalationRules(ctx, escRules); err != nil {
			return fmt.Errorf("seed escalation rules: %w", err)
		}
		store = pg
	default:
		store = memstore.New(escRules)
	}

	// Duplicate suppression
	var dedupe ingest.DedupeStore = ingest.NewMemoryDedupe()
	if cfg.Ingest.Dedupe == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		dedupe = ingest.NewRedisDedupe(rdb, cfg.Redis.KeyPrefix)
	}

	profiles, err := classifier.NewProfiles(cfg.Classifier.Default, cfg.Classifier.Stores)
	if err != nil {
		return fmt.Errorf("store profiles: %w", err)
	}
	var fpTracker *classifier.FalsePositiveTracker
	if cfg.Classifier.FalsePositives.Enabled {
		fpTracker = classifier.NewFalsePositiveTracker(cfg.Classifier.FalsePositives.Window, cfg.Classifier.FalsePositives.MinSamples)
	}

	// Analytics
	var (
		deliveries *storage.DeliveryWriter
		executions *storage.ExecutionWriter
	)
	if cfg.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseClient(ctx, cfg.ClickHouse.ClickHouseConfig)
		if err != nil {
			return fmt.Errorf("connect to clickhouse: %w", err)
		}
		defer ch.Close()
		if err := ch.EnsureDatabase(ctx); err != nil {
			return fmt.Errorf("ensure clickhouse database: %w", err)
		}
		slog.Info("running analytics migrations")
		if err := storage.NewMigrator(ch).Run(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		deliveries = storage.NewDeliveryWriter(ch, cfg.ClickHouse.Batch)
		executions = storage.NewExecutionWriter(ch, cfg.ClickHouse.Batch)
		defer closeLogged("delivery writer", deliveries.Close)
		defer closeLogged("execution writer", executions.Close)
	}

	// Lifecycle events
	var publisher events.Publisher = events.Discard{}
	if cfg.Kafka.Enabled && cfg.Kafka.PublishEvents {
		p, err := kafka.NewEventPublisher(&cfg.Kafka.Config, logger)
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		defer closeLogged("event publisher", p.Close)
		publisher = p
	}

	// Archive
	var archiver pipeline.Archiver
	if cfg.Archive.Enabled {
		client, err := s3.NewClient(ctx, &cfg.Archive.S3, logger)
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		archiver = s3.NewArchiver(client, cfg.Archive.Archiver, logger)
	}

	// Fan-out
	registry := subscription.NewRegistry(m)
	var sink broadcast.DeliverySink
	if deliveries != nil {
		sink = deliveries
	}
	broadcaster := broadcast.New(cfg.Broadcast, registry, sink, m)
	broadcaster.Start()
	defer broadcaster.Stop()

	// Escalation
	notifier, responder := notify.Build(cfg.Notify, logger)
	execDeps := escalation.ExecutorDeps{
		Alerts:      store,
		Notifier:    notifier,
		Directory:   cfg.Escalation.Directory,
		Broadcaster: broadcaster,
		Events:      publisher,
		Metrics:     m,
	}
	if responder != nil {
		execDeps.Responder = responder
	}
	executor := escalation.NewExecutor(escalation.ExecutorConfig{
		NotifyTimeout: cfg.Escalation.NotifyTimeout,
		ActionTimeout: cfg.Escalation.ActionTimeout,
	}, execDeps)
	scheduler := escalation.NewScheduler(cfg.Escalation.Config, store, store, store, executor, m)
	if executions != nil {
		scheduler.SetAuditSink(executions)
	}

	p := pipeline.New(pipeline.Deps{
		Store:          store,
		Aggregator:     aggregation.New(aggRules),
		Scheduler:      scheduler,
		Broadcaster:    broadcaster,
		Events:         publisher,
		Archiver:       archiver,
		FalsePositives: fpTracker,
		Metrics:        m,
	})
	adapter := ingest.NewAdapter(cfg.Ingest.Config, profiles, dedupe, p, m)

	// Background work outlives the signal context so the queue can drain.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	// Intake
	detections := queue.NewRingBuffer(cfg.Ingest.QueueSize)
	queueConsumer := consumer.New(detections, adapter, cfg.Consumer)
	queueConsumer.Start(workCtx)

	var kafkaConsumer *kafka.DetectionConsumer
	if cfg.Kafka.Enabled && cfg.Kafka.DetectionTopic != "" {
		if cfg.Kafka.CreateTopics {
			admin, err := kafka.NewAdmin(&cfg.Kafka.Config, logger)
			if err != nil {
				return fmt.Errorf("create kafka admin: %w", err)
			}
			if err := admin.EnsureTopics(ctx); err != nil {
				return fmt.Errorf("ensure kafka topics: %w", err)
			}
		}
		kafkaConsumer, err = kafka.NewDetectionConsumer(&cfg.Kafka.Config, kafka.QueueHandler(detections, m, nil, logger), logger)
		if err != nil {
			return fmt.Errorf("create detection consumer: %w", err)
		}
		if err := kafkaConsumer.Start(workCtx); err != nil {
			return fmt.Errorf("start detection consumer: %w", err)
		}
	}

	scheduler.Start(workCtx)

	// HTTP
	wsServer := ws.NewServer(cfg.WebSocket, ws.NewTokenAuth(cfg.WebSocket.Tokens), registry, p, broadcaster)

	mux := http.NewServeMux()
	ingest.NewHandler(detections).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize).
		Routes(mux)
	wsServer.Routes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(mux, cfg.Auth),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting storewatch server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Stop intake first, then drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("websocket shutdown error", "error", err)
	}
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			slog.Error("detection consumer stop error", "error", err)
		}
	}
	queueConsumer.Stop()
	scheduler.Stop()
	stopWork()

	qm := detections.Metrics()
	slog.Info("storewatch stopped",
		"queue_pushed", qm.Pushed,
		"queue_popped", qm.Popped,
		"queue_dropped", qm.Dropped,
	)
	return nil
}

func closeLogged(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		slog.Error("close failed", "component", name, "error", err)
	}
}
