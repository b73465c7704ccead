package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yabo083/emojiluna/internal/blob"
	"github.com/yabo083/emojiluna/internal/cache"
	"github.com/yabo083/emojiluna/internal/catalog"
	"github.com/yabo083/emojiluna/internal/config"
	"github.com/yabo083/emojiluna/internal/httpapi"
	"github.com/yabo083/emojiluna/internal/inspector"
	"github.com/yabo083/emojiluna/internal/logging"
	"github.com/yabo083/emojiluna/internal/queue"
	"github.com/yabo083/emojiluna/internal/store"
	"github.com/yabo083/emojiluna/internal/vision"
	"github.com/yabo083/emojiluna/internal/worker"
)

func main() {
	loadDotEnv()
	cfg := config.Load()
	log := logging.New()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "emojiluna.db")
	metadataStore, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("open metadata store: %v", err)
	}
	defer metadataStore.Close()

	blobStore := &blob.LocalFS{Root: cfg.StoragePath}

	resultCache, err := cache.New(metadataStore, 512)
	if err != nil {
		log.Fatalf("build result cache: %v", err)
	}

	taskQueue := queue.New(metadataStore, cfg.AIMaxAttempts, cfg.AIBackoffBase)

	visionClient := vision.NewHTTPClient(cfg.VisionEndpoint, cfg.VisionAPIKey, cfg.VisionModel, cfg.VisionTimeout, cfg.AcceptedImageTypes)

	cat := catalog.New(metadataStore, blobStore, resultCache, taskQueue, visionClient, catalog.Config{
		BaseURL:               cfg.BaseURL,
		Categories:            cfg.Categories,
		AutoCategorize:        cfg.AutoCategorize,
		AutoAnalyze:           cfg.AutoAnalyze,
		PersistAITasks:        cfg.PersistAITasks,
		AcceptedImageTypes:    cfg.AcceptedImageTypes,
		EnableImageTypeFilter: cfg.EnableImageTypeFilter,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cat.EnsureSeedCategories(ctx); err != nil {
		log.Fatalf("seed categories: %v", err)
	}

	w := worker.New(taskQueue, blobStore, visionClient, cat, inspector.Adapter{}, log, worker.RuntimeConfig{
		Concurrency: cfg.AIConcurrency,
		BatchDelay:  cfg.AIBatchDelay,
	}, 4)

	var workerDone chan struct{}
	if cfg.PersistAITasks {
		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			if err := w.Run(ctx); err != nil {
				log.WithError(err).Error("worker loop exited with error")
			}
		}()
	} else {
		log.Info("persistAiTasks disabled; enrichment runs inline at ingest time")
	}

	server := &httpapi.Server{
		Catalog:     cat,
		Queue:       taskQueue,
		Worker:      w,
		UploadToken: cfg.UploadToken,
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).WithField("base_url", cfg.BaseURL).Info("emojilunad listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	waitForShutdownSignal()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown did not complete cleanly")
	}

	cancel()
	if cfg.PersistAITasks {
		w.Stop()
		<-workerDone
	}
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
