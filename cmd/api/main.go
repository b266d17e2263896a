package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sagehq/sage/internal/api"
	"github.com/sagehq/sage/internal/api/middleware"
	"github.com/sagehq/sage/internal/config"
	"github.com/sagehq/sage/internal/logger"
	"github.com/sagehq/sage/internal/queue"
	"github.com/sagehq/sage/internal/repository"
	"github.com/sagehq/sage/internal/service"
	"github.com/sagehq/sage/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	docRepo := repository.NewDocumentRepository(db)
	jobRepo := repository.NewJobRepository(db)
	qdrantRepo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		Collection: cfg.Qdrant.Collection,
		APIKey:     cfg.Qdrant.APIKey,
		UseTLS:     cfg.Qdrant.UseTLS,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize Qdrant repository")
	}
	defer qdrantRepo.Close()

	// Ensure Qdrant collection exists
	ctx := context.Background()
	if err := qdrantRepo.EnsureCollection(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure Qdrant collection")
	}

	// Initialize services
	embeddingService := service.NewEmbeddingService(&service.EmbeddingClientConfig{
		Endpoint:   cfg.Embedding.Endpoint,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: cfg.Embedding.MaxRetries,
	})
	storeService := service.NewVectorStoreService(docRepo, qdrantRepo, appLogger)
	ingestService := service.NewIngestService(embeddingService, storeService, appLogger)
	searchService := service.NewSearchService(embeddingService, storeService, appLogger, service.SearchConfig{
		DefaultTopK:    cfg.Search.DefaultTopK,
		ScoreThreshold: cfg.Search.ScoreThreshold,
	})

	// Initialize archive storage if enabled
	var archiver service.JobArchiver
	if cfg.Archive.Enabled {
		objectStorage, err := storage.NewS3Storage(&storage.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize archive storage")
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure archive bucket")
		}
		archiver = storage.NewJobArchive(objectStorage, "jobs")
	}

	// Initialize queue and orchestrator
	taskQueue := queue.NewGormQueue(db, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffCap:  cfg.Queue.BackoffCap,
	})
	orchestrator := service.NewOrchestrator(jobRepo, taskQueue, archiver, service.OrchestratorConfig{
		JobTimeout:    cfg.Orchestrator.JobTimeout,
		SweepInterval: cfg.Orchestrator.SweepInterval,
	}, appLogger)

	// Run the job lifecycle sweeps alongside the API
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	go func() {
		if err := orchestrator.Run(sweepCtx); err != nil && err != context.Canceled {
			appLogger.WithError(err).Error("Orchestrator sweep loop exited")
		}
	}()

	// Setup router
	router := api.SetupRouter(ingestService, searchService, storeService, orchestrator, appLogger, cfg.Server.Mode, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	stopSweeps()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
