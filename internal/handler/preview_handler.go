package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/service"
	"github.com/jengzang/trail-pipeline/pkg/response"
)

// PreviewHandler handles parameter previews
type PreviewHandler struct {
	service *service.PreviewService
}

// NewPreviewHandler creates a new preview handler
func NewPreviewHandler(service *service.PreviewService) *PreviewHandler {
	return &PreviewHandler{service: service}
}

// CreatePreview handles POST /api/v1/users/:username/previews
func (h *PreviewHandler) CreatePreview(c *gin.Context) {
	var req service.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	preview, err := h.service.Create(c.Request.Context(), c.Param("username"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, preview)
}

// GetPreviewVisits handles GET /api/v1/users/:username/previews/:previewId/visits
func (h *PreviewHandler) GetPreviewVisits(c *gin.Context) {
	var filter models.RangeFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	visits, err := h.service.Visits(c.Request.Context(), c.Param("username"), c.Param("previewId"), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, visits)
}

// GetPreviewTrips handles GET /api/v1/users/:username/previews/:previewId/trips
func (h *PreviewHandler) GetPreviewTrips(c *gin.Context) {
	var filter models.RangeFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	trips, err := h.service.Trips(c.Request.Context(), c.Param("username"), c.Param("previewId"), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, trips)
}

// DeletePreview handles DELETE /api/v1/users/:username/previews/:previewId
func (h *PreviewHandler) DeletePreview(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("username"), c.Param("previewId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
