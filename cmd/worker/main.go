package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sagehq/sage/internal/config"
	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/logger"
	"github.com/sagehq/sage/internal/queue"
	"github.com/sagehq/sage/internal/repository"
	"github.com/sagehq/sage/internal/service"
	"github.com/sagehq/sage/internal/worker"
)

func main() {
	// Parse command line flags
	roleFlag := flag.String("roles", "", "Comma-separated subset of roles to handle (default: all)")
	poolSize := flag.Int("pool", 0, "Worker pool size (default: from config)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *poolSize > 0 {
		cfg.Worker.PoolSize = *poolSize
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

	// Initialize queue and orchestrator (no archiver on the worker side; the
	// API process owns the archive sweep)
	taskQueue := queue.NewGormQueue(db, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffCap:  cfg.Queue.BackoffCap,
	})
	orchestrator := service.NewOrchestrator(jobRepo, taskQueue, nil, service.OrchestratorConfig{
		JobTimeout:    cfg.Orchestrator.JobTimeout,
		SweepInterval: cfg.Orchestrator.SweepInterval,
	}, appLogger)

	// Build the role handler registry, narrowed by -roles if given
	handlers := worker.NewRegistry(ingestService, embeddingService, storeService)
	if *roleFlag != "" {
		handlers, err = filterRoles(handlers, *roleFlag)
		if err != nil {
			appLogger.WithError(err).Fatal("Invalid -roles flag")
		}
	}

	pool, err := worker.NewPool(taskQueue, orchestrator, handlers, worker.Config{
		PoolSize:          cfg.Worker.PoolSize,
		PollInterval:      cfg.Worker.PollInterval,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		ReapInterval:      cfg.Orchestrator.SweepInterval,
	}, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to create worker pool")
	}

	// Run until interrupted
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		appLogger.Info("Shutting down worker...")
		cancel()
	}()

	// Job timeout sweeps also run here so a worker-only deployment still
	// fails stuck jobs. The CAS guard makes concurrent sweepers safe.
	go orchestrator.Run(runCtx)

	appLogger.WithField("pool_size", cfg.Worker.PoolSize).Info("Starting worker")
	if err := pool.Run(runCtx); err != nil && err != context.Canceled {
		appLogger.WithError(err).Fatal("Worker exited with error")
	}

	appLogger.Info("Worker exited")
}

// filterRoles narrows the registry to a comma-separated subset of role names.
func filterRoles(handlers worker.Registry, spec string) (worker.Registry, error) {
	out := worker.Registry{}
	for _, name := range strings.Split(spec, ",") {
		role, err := domain.ParseAgentRole(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if h, ok := handlers[role]; ok {
			out[role] = h
		}
	}
	return out, nil
}
