// --- File: cmd/pushreceiver/runpushreceiver.go ---
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-receiver/internal/metrics"
	pushpubsub "github.com/tinywideclouds/go-push-receiver/internal/platform/pubsub"
	"github.com/tinywideclouds/go-push-receiver/internal/storage/cache"
	"github.com/tinywideclouds/go-push-receiver/internal/storage/file"
	fsStore "github.com/tinywideclouds/go-push-receiver/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-receiver/internal/storage/memory"
	"github.com/tinywideclouds/go-push-receiver/internal/storage/sqlite"
	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
	"github.com/tinywideclouds/go-push-receiver/pushreceiver"
	"github.com/tinywideclouds/go-push-receiver/pushreceiver/config"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-receiver")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Store ---
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Store initialization failed", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	// --- Push Provider ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	provider := pushpubsub.NewProvider(psClient, pushpubsub.Config{
		ProjectID:          cfg.ProjectID,
		DLQTopicID:         cfg.Push.DLQTopicID,
		AckDeadlineSeconds: cfg.Push.AckDeadlineSeconds,
	}, logger)

	// --- Service ---
	metrics.Register()
	service := pushreceiver.New(cfg, store, provider, logger)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...", "addr", cfg.ListenAddr, "store", cfg.Store.Backend)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
	// Stores and clients close only after the listening sessions drained.
	<-shutdownDone
}

// newStore builds the configured receiver.Store and a func releasing its clients.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (receiver.Store, func(), error) {
	noop := func() {}

	switch cfg.Store.Backend {
	case config.StoreMemory:
		logger.Warn("Store initialized", "type", "memory", "note", "state is lost on exit")
		return memory.NewStore(), noop, nil

	case config.StoreFile:
		path := cfg.Store.Path
		if path == "" {
			var err error
			if path, err = file.DefaultPath(cfg.AppName); err != nil {
				return nil, noop, err
			}
		}
		store, err := file.Open(path)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Store initialized", "type", "file", "path", path)
		return store, noop, nil

	case config.StoreSQLite:
		path := cfg.Store.Path
		if path == "" {
			return nil, noop, errors.New("sqlite store requires store.path (or STORE_PATH env var)")
		}
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Store initialized", "type", "sqlite", "path", path)
		return store, func() { _ = store.Close() }, nil

	case config.StoreRedis:
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Store initialized", "type", "redis", "addr", cfg.Redis.Addr)
		prefix := "pushreceiver:" + cfg.Store.InstallationID + ":"
		return cache.NewRedisStore(redisClient, prefix), func() { _ = redisClient.Close() }, nil

	case config.StoreFirestore, config.StoreCached:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, noop, fmt.Errorf("firestore client failed: %w", err)
		}
		var store receiver.Store = fsStore.NewFirestoreStore(fsClient, cfg.Store.InstallationID)
		logger.Info("Store initialized", "type", "firestore", "installation_id", cfg.Store.InstallationID)
		if cfg.Store.Backend == config.StoreFirestore {
			return store, func() { _ = fsClient.Close() }, nil
		}

		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			_ = fsClient.Close()
			return nil, noop, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store = cache.NewCachedStore(store, redisClient, cfg.Redis.CacheTTL)
		logger.Info("Store upgraded", "type", "redis_cached_firestore")
		return store, func() {
			_ = redisClient.Close()
			_ = fsClient.Close()
		}, nil
	}
	return nil, noop, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
