package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/bdougie/lapvision/internal/api"
	"github.com/bdougie/lapvision/internal/config"
	"github.com/bdougie/lapvision/internal/embeddings"
	"github.com/bdougie/lapvision/internal/events"
	"github.com/bdougie/lapvision/internal/storage"
	"github.com/bdougie/lapvision/internal/video"
)

func main() {
	cfg := config.New()

	flag.StringVar(&cfg.ServerAddress, "addr", cfg.ServerAddress, "HTTP listen address")
	flag.StringVar(&cfg.StorageBackend, "storage", cfg.StorageBackend, "result storage backend (file, postgres)")
	flag.StringVar(&cfg.Oracle, "oracle", cfg.Oracle, "embedding oracle (grid, ollama)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.VideoRoot, "videos", cfg.VideoRoot, "directory relative video paths resolve against")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	level, _ := cfg.Level()

	// Configure logger
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("lapvision stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oracle, err := newOracle(ctx, cfg, logger)
	if err != nil {
		return err
	}

	store, err := newStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	handler := api.NewHandler(api.Dependencies{
		Registry: api.NewMemoryRegistry(),
		Opener: func(ctx context.Context, path string) (video.Stream, error) {
			stream, err := video.Open(ctx, path, logger)
			if err != nil {
				return nil, err
			}
			return stream, nil
		},
		Oracle:    oracle,
		Storage:   store,
		Publisher: publisher,
		Logger:    logger,
	}, api.Options{
		VideoRoot:            cfg.VideoRoot,
		DefaultMinLapSeconds: cfg.DefaultMinLapSeconds,
		CacheCapacity:        cfg.CacheCapacity,
		SearchWorkers:        cfg.SearchWorkers,
		MaxConcurrentFrames:  cfg.MaxConcurrentFrames,
	})
	server := api.NewHTTPServer(cfg, api.SetupRoutes(handler, logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", cfg.ServerAddress,
			"oracle", oracle.Name(),
			"storage", cfg.StorageBackend,
			"video_root", cfg.VideoRoot,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	handler.Shutdown()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited gracefully")
	return nil
}

func newOracle(ctx context.Context, cfg *config.Config, logger *slog.Logger) (embeddings.Oracle, error) {
	var oracle embeddings.Oracle
	switch cfg.Oracle {
	case config.OracleOllama:
		o, err := embeddings.NewOllamaOracle(embeddings.OllamaOptions{
			VisionModel:    cfg.OllamaVisionModel,
			EmbeddingModel: cfg.OllamaEmbeddingModel,
			Seed:           cfg.OllamaSeed,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		if err := o.Ping(ctx); err != nil {
			return nil, err
		}
		oracle = o
	default:
		oracle = embeddings.NewGridOracle(cfg.GridSize)
	}

	cached, err := embeddings.NewCachedOracle(oracle, cfg.EmbeddingCacheSize)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.StorageBackend != config.StoragePostgres {
		return storage.NewFileStorage(cfg.ResultsDir), nil
	}

	pg := storage.PostgresConfig{
		Host:     cfg.PostgresHost,
		Port:     strconv.Itoa(cfg.PostgresPort),
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		DBName:   cfg.PostgresDB,
		SSLMode:  cfg.PostgresSSLMode,
	}
	store, err := storage.NewPostgresStorage(ctx, pg.ConnString())
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if !cfg.RabbitMQEnabled {
		return events.Nop{}, nil
	}
	publisher, err := events.NewAMQPPublisher(events.AMQPConfig{
		URL:           cfg.RabbitMQURL,
		Exchange:      cfg.RabbitMQExchange,
		RoutingPrefix: cfg.RabbitMQRoutingPrefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}
