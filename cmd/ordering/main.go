package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokenpoints/internal/application"
	"tokenpoints/internal/config"
	"tokenpoints/internal/infrastructure/ethrpc"
	"tokenpoints/internal/infrastructure/kafka"
	"tokenpoints/internal/infrastructure/logging"
	"tokenpoints/internal/infrastructure/storage"
	"tokenpoints/internal/infrastructure/telemetry"
	"tokenpoints/internal/interfaces/httpapi"
)

var version = "dev"

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = "logs/ordering-" + cfg.Chain + ".log"
	}
	if closer, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		File:       logFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}); err != nil {
		slog.Error("logger init error", "err", err)
	} else if closer != nil {
		defer closer.Close()
	}

	stateRepo, err := storage.OpenPrimary(cfg)
	if err != nil {
		slog.Error("state db error", "err", err)
		os.Exit(1)
	}
	defer stateRepo.Close()

	rpcClient, err := ethrpc.NewClient(ethrpc.Config{
		Chain:   cfg.Chain,
		URL:     cfg.RPCURL,
		Address: cfg.ContractAddress,
		Topic0:  cfg.Topic0,
	})
	if err != nil {
		slog.Error("rpc error", "err", err)
		os.Exit(1)
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:     cfg.KafkaBrokers,
		TopicPrefix: cfg.KafkaTopicPrefix,
	})
	if err != nil {
		slog.Error("kafka error", "err", err)
		os.Exit(1)
	}
	defer producer.Close()

	shutdownTracing, err := telemetry.InitTracer(context.Background(), "tokenpoints-ordering", version, cfg.OtelEndpoint)
	if err != nil {
		slog.Warn("tracing init error", "err", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				slog.Warn("tracing shutdown error", "err", err)
			}
		}()
	}

	metrics := httpapi.NewMetrics()
	indexer, err := application.NewIndexer(rpcClient, producer, stateRepo, metrics, application.IndexerConfig{
		StartBlock:    cfg.StartBlock,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.BatchSize,
	})
	if err != nil {
		slog.Error("indexer error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, metrics)
	}

	slog.Info("ordering streaming started",
		"chain", cfg.Chain,
		"rpc", cfg.RPCURL,
		"start", cfg.StartBlock,
		"confirmations", cfg.Confirmations,
		"batch", cfg.BatchSize,
	)
	if err := indexer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("ordering stopped", "err", err)
	}
}

func serveMetrics(ctx context.Context, addr string, metrics *httpapi.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	slog.Info("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "err", err)
	}
}
