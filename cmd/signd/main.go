// Package main wires together the signature service binary.
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

	"go.uber.org/zap"

	"signd/internal/api"
	"signd/internal/archive"
	"signd/internal/clock/system"
	"signd/internal/config"
	"signd/internal/dispatch"
	"signd/internal/events"
	"signd/internal/hash/sha256"
	"signd/internal/history"
	"signd/internal/id/uuid"
	"signd/internal/logging"
	"signd/internal/pool"
	"signd/internal/sandbox"
	"signd/internal/script"
	"signd/internal/service"
	"signd/internal/signing"
	"signd/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()

	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.New()

	router, err := dispatch.New(cfg.Rules)
	if err != nil {
		logger.Fatal("dispatch rules invalid", zap.Error(err))
	}
	if len(cfg.Rules) == 0 {
		logger.Warn("no dispatch rules configured; every sign request will be rejected")
	}
	entryPoints := router.EntryPoints()

	store := script.NewStore(hasher, clock, func(sc signing.Script) error {
		_, buildErr := sandbox.Build("validation-probe", sc, entryPoints)
		return buildErr
	})

	if cfg.Script.Path == "" {
		logger.Fatal("script.path is required")
	}
	source, err := os.ReadFile(cfg.Script.Path)
	if err != nil {
		logger.Fatal("read script failed", zap.String("path", cfg.Script.Path), zap.Error(err))
	}
	initial, err := store.Load(string(source))
	if err != nil {
		logger.Fatal("initial script rejected", zap.Error(err))
	}
	logger.Info("script loaded",
		zap.String("hash", initial.Hash),
		zap.Int("size_bytes", initial.Size),
	)

	factory := func() (*sandbox.Context, error) {
		id, idErr := idGen.NewID()
		if idErr != nil {
			return nil, fmt.Errorf("generate context id: %w", idErr)
		}
		return sandbox.Build(id, store.Current(), entryPoints)
	}
	ctxPool, err := pool.New(pool.Config{
		Size:           cfg.Pool.Size,
		AcquireTimeout: cfg.AcquireTimeout(),
		MaxInvocations: int64(cfg.Pool.MaxInvocations),
	}, factory, initial.Hash, logger.Named("pool"))
	if err != nil {
		logger.Fatal("pool warmup failed", zap.Error(err))
	}
	defer ctxPool.Close()

	var historyStore signing.HistoryStore = history.NoOpStore{}
	if cfg.DB.DSN != "" {
		pgStore, dbErr := history.NewStore(ctx, history.StoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if dbErr != nil {
			logger.Fatal("history store init failed", zap.Error(dbErr))
		}
		historyStore = pgStore
	}
	defer historyStore.Close()

	var scriptArchive signing.Archive
	switch cfg.Archive.Provider {
	case "gcs":
		gcs, archErr := archive.NewGCSProvider(ctx, cfg.Archive.Bucket)
		if archErr != nil {
			logger.Fatal("archive init failed", zap.Error(archErr))
		}
		defer func() {
			if closeErr := gcs.Close(); closeErr != nil {
				logger.Warn("archive close failed", zap.Error(closeErr))
			}
		}()
		scriptArchive = gcs
	case "memory":
		scriptArchive = archive.NewMemoryProvider()
	default:
		scriptArchive = archive.NoOpProvider{}
	}

	var publisher signing.Publisher
	switch cfg.Events.Provider {
	case "pubsub":
		pub, pubErr := events.NewPubSubPublisher(ctx, logger.Named("events"), cfg.Events.ProjectID, cfg.Events.TopicID)
		if pubErr != nil {
			logger.Fatal("event publisher init failed", zap.Error(pubErr))
		}
		publisher = pub
	case "memory":
		publisher = events.NewMemoryPublisher()
	default:
		publisher = events.NoOpPublisher{}
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("publisher close failed", zap.Error(closeErr))
		}
	}()

	signer := service.New(service.Options{
		Logger:        logger.Named("signer"),
		Router:        router,
		Store:         store,
		Pool:          ctxPool,
		History:       historyStore,
		Archive:       scriptArchive,
		Publisher:     publisher,
		Clock:         clock,
		InvokeTimeout: cfg.InvokeTimeout(),
		ArchivePrefix: cfg.Archive.Prefix,
	})

	apiServer := api.NewServer(signer, logger.Named("api"), cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
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
}
