// Package main is the entry point for the quadscatter server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/quadscatter/server/internal/api"
	"github.com/quadscatter/server/internal/cache"
	"github.com/quadscatter/server/internal/config"
	"github.com/quadscatter/server/internal/dataset"
	"github.com/quadscatter/server/internal/metrics"
	"github.com/quadscatter/server/internal/render"
	"github.com/quadscatter/server/internal/selstore"
	"github.com/quadscatter/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Server.ConfigureLogger(logrus.StandardLogger()); err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	log.Infof("Starting %s server on port %d", cfg.Server.Title, cfg.Server.Port)

	ctx := context.Background()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics, err := metrics.New(reg)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	// Cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB:  cfg.Cache.TileSizeMB,
		TileTTL:          time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		TextureCacheSize: cfg.Cache.TextureCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Preview renderer (shared across all datasets)
	renderer := render.NewRenderer(render.Config{Size: cfg.Render.PreviewSize})

	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)
	defer registry.Close()

	log.Infof("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		dsCfg := cfg.Data.Datasets[datasetID]
		dsLog := log.WithField("dataset", datasetID)

		ds, err := service.OpenDataset(datasetID, dsCfg, cacheManager, dataset.Options{
			Download: dataset.DownloaderConfig{
				MaxConcurrent: cfg.Download.MaxConcurrent,
				QueueSize:     cfg.Download.QueueSize,
			},
			Logger:  dsLog,
			Metrics: pipelineMetrics,
		})
		if err != nil {
			log.Fatalf("Failed to open dataset %q: %v", datasetID, err)
		}

		svcCfg := service.PlotServiceConfig{
			ID:             datasetID,
			Dataset:        ds,
			Textures:       cacheManager,
			DefaultPalette: cfg.Render.DefaultColormap,
			Renderer:       renderer,
			Tables:         registry.Dataset,
			Metrics:        pipelineMetrics,
			Logger:         log,
		}
		if dsCfg.Kind == config.KindQuadtile && dsCfg.Dir != "" {
			svcCfg.TileDir = dsCfg.Dir
			svcCfg.TileExt = dsCfg.Ext
		}
		svc, err := service.NewPlotService(svcCfg)
		if err != nil {
			log.Fatalf("Failed to create plot service for %q: %v", datasetID, err)
		}
		if err := svc.Init(ctx); err != nil {
			log.Fatalf("Failed to load root tile of %q: %v", datasetID, err)
		}
		registry.Register(datasetID, svc)

		root := ds.Root()
		dsLog.Infof("Loaded %s (%s), root tile: %s rows, %d known tiles",
			dsCfg.Kind, dsCfg.Source(), humanize.Comma(int64(root.NumRows())), ds.NumTiles())
	}

	// Selection snapshots (SQLite persistence)
	snapshots, err := selstore.NewStore(cfg.Selections.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open selection store: %v", err)
	}
	defer snapshots.Close()
	if n, err := snapshots.DeleteExpired(ctx, cfg.Selections.RetentionDays); err != nil {
		log.WithError(err).Warn("Failed to prune selection snapshots")
	} else if n > 0 {
		log.Infof("Pruned %d expired selection snapshot(s)", n)
	}

	// Job manager for whole-tree downloads and evaluations
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Logger:        log,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Infof("Job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = api.PlotExecutor(registry, 0)
	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Snapshots:   snapshots,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:      log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	stats := cacheManager.Stats()
	log.WithField("cache", stats).Info("Server stopped")
}
