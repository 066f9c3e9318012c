package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opentenders/radar/backend/internal/checkpoint"
	"github.com/opentenders/radar/backend/internal/config"
	"github.com/opentenders/radar/backend/internal/logger"
	"github.com/opentenders/radar/backend/internal/pncp"
	"github.com/opentenders/radar/backend/internal/reconcile"
	"github.com/opentenders/radar/backend/internal/search"
	"github.com/opentenders/radar/backend/internal/store"
	"github.com/opentenders/radar/backend/internal/syncer"
)

func main() {
	log := logger.New("syncd")
	cfg, err := config.LoadSyncd()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient := connectElasticsearch(ctx, log, cfg)
	if esClient == nil {
		os.Exit(1)
	}
	if err := esClient.EnsureIndex(ctx); err != nil {
		log.Error("ensure index", slog.Any("err", err))
		os.Exit(1)
	}

	db, err := store.New(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Error("init postgres", slog.Any("err", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Error("ensure schema", slog.Any("err", err))
		os.Exit(1)
	}

	source := pncp.New(cfg.SourceBaseURL, cfg.SourceTimeout, cfg.SourceRetries,
		cfg.SourceRetryDelay, cfg.SourcePageSize, log)
	indexer := reconcile.NewIndexer(esClient, db, log)
	reconciler := reconcile.New(db, indexer, log)
	sync := syncer.New(syncer.Config{
		Source:      source,
		Reconciler:  reconciler,
		Checkpoints: checkpoint.NewStore(cfg.CheckpointFile),
		RepairStore: db,
		Indexer:     indexer,
		Modality:    cfg.ModalityCode,
		Lookback:    cfg.Lookback,
		Logger:      log,
	})

	log.Info("synchronizer running",
		slog.Duration("interval", cfg.Interval),
		slog.Int("modality", cfg.ModalityCode),
		slog.String("checkpoint", cfg.CheckpointFile),
	)

	sync.RunScheduled(ctx, cfg.Interval, cfg.RunOnStart)
}

// connectElasticsearch retries the initial connection with capped exponential
// backoff; syncd usually starts alongside the cluster.
func connectElasticsearch(ctx context.Context, log *slog.Logger, cfg *config.Syncd) *search.Client {
	const maxRetries = 10
	retryDelay := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		esClient, err := search.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			pingErr := esClient.Ping(pingCtx)
			cancel()
			if pingErr == nil {
				log.Info("connected to elasticsearch")
				return esClient
			}
			err = pingErr
		}

		log.Warn("elasticsearch not ready, retrying",
			slog.Any("err", err),
			slog.Int("attempt", i+1),
			slog.Int("max_retries", maxRetries),
			slog.Duration("retry_in", retryDelay),
		)

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			log.Info("shutdown signal received during startup")
			return nil
		}
		retryDelay *= 2
		if retryDelay > 30*time.Second {
			retryDelay = 30 * time.Second
		}
	}

	log.Error("failed to connect to elasticsearch after retries")
	return nil
}
