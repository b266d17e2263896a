package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/service"
)

// JobHandler handles analysis job endpoints.
type JobHandler struct {
	orchestrator *service.Orchestrator
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - orchestrator: orchestrator instance.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(orchestrator *service.Orchestrator) *JobHandler {
	return &JobHandler{
		orchestrator: orchestrator,
	}
}

// SubmitJobRequest is the body of POST /api/v1/jobs. The canonical field is
// requested_roles; roles is accepted as a shorthand alias.
type SubmitJobRequest struct {
	RequestedRoles []string           `json:"requested_roles"`
	Roles          []string           `json:"roles"`
	Payload        domain.JSONPayload `json:"payload"`
}

func (r *SubmitJobRequest) roles() []string {
	if len(r.RequestedRoles) > 0 {
		return r.RequestedRoles
	}
	return r.Roles
}

// Submit handles POST /api/v1/jobs. The job is accepted and executed
// asynchronously; poll GET /api/v1/jobs/:id for the outcome.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) Submit(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}
	if len(req.roles()) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: requested_roles is required",
		})
		return
	}

	job, err := h.orchestrator.Submit(c.Request.Context(), req.roles(), req.Payload)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownRole) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// Status handles GET /api/v1/jobs/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) Status(c *gin.Context) {
	job, err := h.orchestrator.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, job)
}
