package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tokenpoints/internal/application"
	"tokenpoints/internal/config"
	"tokenpoints/internal/infrastructure/blobstore"
	"tokenpoints/internal/infrastructure/kafka"
	"tokenpoints/internal/infrastructure/logging"
	"tokenpoints/internal/infrastructure/rediscache"
	"tokenpoints/internal/infrastructure/storage"
	"tokenpoints/internal/infrastructure/telemetry"
	"tokenpoints/internal/interfaces/httpapi"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ledger stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	logCloser, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		slog.Error("logger init error", "err", err)
	} else if logCloser != nil {
		defer logCloser.Close()
	}

	shutdownTracing, err := telemetry.InitTracer(context.Background(), "tokenpoints-ledger", version, cfg.OtelEndpoint)
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

	base, err := storage.Open(cfg)
	if err != nil {
		return err
	}
	store, err := rediscache.NewCachedRepository(base, rediscache.Config{Addr: cfg.RedisAddr, TTL: cfg.CacheTTL})
	if err != nil {
		slog.Warn("redis cache disabled", "addr", cfg.RedisAddr, "err", err)
		store, _ = rediscache.NewCachedRepository(base, rediscache.Config{})
	}
	defer store.Close()

	var repo application.Store = store
	if err := repo.EnsureChains(context.Background(), cfg.Chains); err != nil {
		return err
	}

	retry := application.DefaultRetryPolicy()
	retry.MaxRetries = cfg.StoreRetryMax
	metrics := httpapi.NewMetrics()

	ledger, err := application.NewLedger(repo, metrics, application.LedgerConfig{Chains: cfg.Chains, Retry: retry})
	if err != nil {
		return err
	}
	points, err := application.NewPointsEngine(repo, application.PointsConfig{Chains: cfg.Chains, Rate: cfg.PointsRate, Retry: retry})
	if err != nil {
		return err
	}
	coordinator, err := application.NewCoordinator(repo, repo, points, metrics, application.CoordinatorConfig{
		Chains:                 cfg.Chains,
		Workers:                cfg.RecalcWorkers,
		MaxConsecutiveFailures: cfg.RecalcMaxConsecutiveFailures,
		Retry:                  retry,
	})
	if err != nil {
		return err
	}
	if failed, err := coordinator.Recover(context.Background()); err != nil {
		return err
	} else if failed > 0 {
		slog.Warn("interrupted recalculation jobs marked failed", "count", failed)
	}

	blobs, err := blobstore.NewFS(cfg.BackupDir)
	if err != nil {
		return err
	}
	backups, err := application.NewBackupManager(repo, blobs, ledger, metrics, application.BackupConfig{Chains: cfg.Chains, Retry: retry})
	if err != nil {
		return err
	}
	query, err := application.NewQueryService(repo, cfg.Chains)
	if err != nil {
		return err
	}
	scheduler, err := application.NewScheduler(coordinator, backups, application.SchedulerConfig{
		Chains:     cfg.Chains,
		PointsSpec: cfg.PointsCron,
		BackupSpec: cfg.BackupCron,
	})
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(httpapi.Deps{
		Ledger:  ledger,
		Points:  points,
		Jobs:    coordinator,
		Backups: backups,
		Query:   query,
		Store:   repo,
	}, metrics, httpapi.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for _, chain := range cfg.Chains {
		reader, err := kafka.NewReader(kafka.ConsumerConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.KafkaTopicPrefix,
			GroupID:     cfg.KafkaGroupID,
		}, chain)
		if err != nil {
			return err
		}
		defer reader.Close()

		consumer, err := application.NewConsumer(reader, ledger, metrics, application.ConsumerConfig{
			Chain:  chain,
			Topic0: cfg.Topic0,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(chain string) {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				slog.Error("transfer consumer stopped", "chain", chain, "err", err)
				cancel()
			}
		}(chain)
	}

	scheduler.Start()

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(ctx, cfg.HTTPAddr); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("http server error", "err", err)
			cancel()
		}
	}()

	slog.Info("ledger started",
		"chains", cfg.Chains,
		"store", cfg.StoreDriver,
		"group", cfg.KafkaGroupID,
		"workers", cfg.RecalcWorkers,
	)
	<-ctx.Done()

	slog.Info("shutting down")
	scheduler.Stop()
	wg.Wait()
	coordinator.Close()
	return nil
}
