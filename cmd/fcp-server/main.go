package main

import (
	"context"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/config"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/engine"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/event"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/registry"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/server"
)

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer func() { _ = cleaner.Clean() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := database.Open(ctx, cfg)
	if err != nil {
		logger.ErrorF("Error occured while initializing database, details: %v", err)
		return
	}
	cleaner.Add(database.NewCloseCallback(store))

	m := metrics.New()
	dir := registry.NewDirectory(registry.Options{
		Store:   store,
		Cache:   registry.NewStatusCache(cfg.Cache.StatusSize, cfg.StatusTTL()),
		Metrics: m,
		Logger:  logger.Component("registry"),
	})
	cleaner.Add(dir)

	node := engine.New(engine.Options{
		ContentSize: cfg.Cache.ContentSize,
		ContentTTL:  cfg.ContentTTL(),
		Logger:      logger.Component("engine"),
	})
	srv := server.New(server.Options{
		Config:    cfg,
		Directory: dir,
		Factory:   node,
		Metrics:   m,
		Logger:    logger.Component("server"),
	})
	cleaner.Add(srv.Plugins().Tracker())
	cleaner.Add(srv)
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		cancel()
		return nil
	}))

	restored, err := srv.Restore(ctx)
	if err != nil {
		logger.ErrorF("Error occured while restoring persistent requests, details: %v", err)
		return
	}
	logger.InfoF("Restored %d persistent requests", restored)

	if err := srv.Run(ctx); err != nil {
		logger.ErrorF("Server stopped with error: %v", err)
	}
}
