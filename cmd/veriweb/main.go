// Package main wires together the evidence service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/veriweb/veriweb/internal/api"
	"github.com/veriweb/veriweb/internal/blob"
	"github.com/veriweb/veriweb/internal/citation"
	"github.com/veriweb/veriweb/internal/config"
	"github.com/veriweb/veriweb/internal/evidence"
	"github.com/veriweb/veriweb/internal/fetch"
	"github.com/veriweb/veriweb/internal/llm"
	"github.com/veriweb/veriweb/internal/logging"
	"github.com/veriweb/veriweb/internal/metrics"
	"github.com/veriweb/veriweb/internal/notify"
	"github.com/veriweb/veriweb/internal/score"
	"github.com/veriweb/veriweb/internal/search"
	"github.com/veriweb/veriweb/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("init postgres pool: %w", err)
	}
	defer pool.Close()

	linkStore, err := postgres.NewLinkStore(pool)
	if err != nil {
		return fmt.Errorf("init link store: %w", err)
	}
	scoreStore, err := postgres.NewScoreStore(pool)
	if err != nil {
		return fmt.Errorf("init score store: %w", err)
	}
	contentStore, err := postgres.NewContentStore(pool)
	if err != nil {
		return fmt.Errorf("init content store: %w", err)
	}
	publisherStore, err := postgres.NewPublisherStore(pool)
	if err != nil {
		return fmt.Errorf("init publisher store: %w", err)
	}

	var notifier *notify.Publisher
	var events interface {
		Publish(ctx context.Context, topic string, payload any) (string, error)
	}
	if cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		defer func() { _ = client.Close() }()
		notifier = notify.New(client)
		defer notifier.Close()
		events = notifier
	} else {
		logger.Info("pubsub not configured, score events stay in-process")
		events = notify.NewMemory()
	}

	trust := citation.NewScorer(
		publisherStore,
		time.Duration(cfg.Citation.CacheTTLMinutes)*time.Minute,
		logger,
	)

	aggregator := score.NewAggregator(scoreStore, linkStore, contentStore, trust, events, logger)
	linker := evidence.NewLinker(linkStore, aggregator, events, logger)

	var archiveStore blob.Store
	if cfg.Blob.GCSBucket != "" {
		gcsClient, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		defer func() { _ = gcsClient.Close() }()
		archiveStore, err = blob.NewGCSStore(gcsClient, cfg.Blob.GCSBucket)
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
	} else {
		logger.Info("gcs bucket not configured, archiving in memory")
		archiveStore = blob.NewMemoryStore()
	}
	archiver := blob.NewArchiver(archiveStore, cfg.Blob.Prefix)

	rendered, err := fetch.NewRendered(fetch.RenderedConfig{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Fetch.UserAgent,
		NavigationTimeout: cfg.NavTimeout(),
		DomainQPS:         cfg.Headless.DomainQPS,
	})
	if err != nil {
		return fmt.Errorf("init rendered strategy: %w", err)
	}
	defer rendered.Close()

	strategies := []fetch.Strategy{
		fetch.NewDirect(fetch.DirectConfig{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   cfg.DirectTimeout(),
		}),
		rendered,
		fetch.NewArchived(cfg.Fetch.ArchivePrefix, rendered),
	}
	fetcher := fetch.New(fetch.Config{
		ProbeTimeout: time.Duration(cfg.Fetch.ProbeTimeoutSec) * time.Second,
		UserAgent:    cfg.Fetch.UserAgent,
	}, strategies, archiver, logger)

	var suggester api.QuerySuggester
	var mapper api.SearchMapper
	if cfg.LLM.APIKey != "" {
		llmClient, err := llm.New(llm.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init llm client: %w", err)
		}
		suggester = llmClient
		if cfg.Search.Endpoint != "" {
			searcher := search.NewHTTPSearcher(cfg.Search.Endpoint, 10*time.Second)
			mapper = search.NewMapper(searcher, llmClient, cfg.Search.MaxPerClaim, logger)
		}
	} else {
		logger.Info("llm not configured, suggest-queries and search-map disabled")
	}

	apiServer := api.NewServer(fetcher, linker, contentStore, aggregator, suggester, mapper, pool.Ping, cfg, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
