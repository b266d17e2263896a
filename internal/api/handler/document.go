package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/service"
)

// DocumentHandler handles document ingestion endpoints.
type DocumentHandler struct {
	ingestService *service.IngestService
	store         *service.VectorStoreService
}

// NewDocumentHandler creates a new document handler.
// Parameters:
//   - ingestService: ingestion service instance.
//   - store: vector store for stats.
// Returns:
//   - *DocumentHandler: initialized handler.
func NewDocumentHandler(ingestService *service.IngestService, store *service.VectorStoreService) *DocumentHandler {
	return &DocumentHandler{
		ingestService: ingestService,
		store:         store,
	}
}

// IngestRequest is the body of POST /api/v1/documents.
type IngestRequest struct {
	Text     string          `json:"text" binding:"required"`
	Metadata domain.Metadata `json:"metadata"`
}

// Ingest handles POST /api/v1/documents. Re-posting identical text returns
// the existing document with merged metadata rather than creating a new one.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	doc, err := h.ingestService.Ingest(c.Request.Context(), req.Text, req.Metadata)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrEmbeddingUnavailable) || errors.Is(err, domain.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error": "Ingest failed: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":           doc.ID,
		"content_hash": doc.ContentHash,
		"created_at":   doc.CreatedAt,
		"updated_at":   doc.UpdatedAt,
	})
}

// Stats handles GET /api/v1/stats.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *DocumentHandler) Stats(c *gin.Context) {
	count, err := h.store.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get stats: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"documents": count,
	})
}
