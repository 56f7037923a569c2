package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/service"
	"github.com/jengzang/trail-pipeline/pkg/response"
)

// PointHandler handles raw point ingestion and reprocessing
type PointHandler struct {
	service *service.PointService
}

// NewPointHandler creates a new point handler
func NewPointHandler(service *service.PointService) *PointHandler {
	return &PointHandler{service: service}
}

// IngestRequest is the body of POST /points
type IngestRequest struct {
	Points []models.IngestPoint `json:"points" binding:"required"`
}

// Ingest handles POST /api/v1/users/:username/points
func (h *PointHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	result, err := h.service.Ingest(c.Request.Context(), c.Param("username"), req.Points)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Accepted(c, result)
}

// Reprocess handles POST /api/v1/users/:username/reprocess
func (h *PointHandler) Reprocess(c *gin.Context) {
	var filter models.RangeFilter
	if err := c.ShouldBindJSON(&filter); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	tr, err := filter.Range()
	if err != nil {
		respondError(c, err)
		return
	}

	marked, err := h.service.Reprocess(c.Request.Context(), c.Param("username"), tr)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Accepted(c, gin.H{"points": marked})
}
