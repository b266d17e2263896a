package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sagehq/sage/internal/api/handler"
	"github.com/sagehq/sage/internal/api/middleware"
	"github.com/sagehq/sage/internal/logger"
	"github.com/sagehq/sage/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	ingestService *service.IngestService,
	searchService *service.SearchService,
	store *service.VectorStoreService,
	orchestrator *service.Orchestrator,
	log *logger.Logger,
	mode string,
	cors middleware.CORSConfig,
) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cors))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	documentHandler := handler.NewDocumentHandler(ingestService, store)
	searchHandler := handler.NewSearchHandler(searchService)
	jobHandler := handler.NewJobHandler(orchestrator)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Documents
		v1.POST("/documents", documentHandler.Ingest)

		// Search
		v1.POST("/search", searchHandler.Search)

		// Jobs
		v1.POST("/jobs", jobHandler.Submit)
		v1.GET("/jobs/:id", jobHandler.Status)

		// Stats
		v1.GET("/stats", documentHandler.Stats)
	}

	return r
}
