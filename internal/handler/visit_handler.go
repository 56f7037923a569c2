package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/service"
	"github.com/jengzang/trail-pipeline/pkg/response"
)

// VisitHandler serves processed visits and trips
type VisitHandler struct {
	visits *service.VisitService
	trips  *service.TripService
}

// NewVisitHandler creates a new visit handler
func NewVisitHandler(visits *service.VisitService, trips *service.TripService) *VisitHandler {
	return &VisitHandler{visits: visits, trips: trips}
}

// GetVisits handles GET /api/v1/users/:username/visits
func (h *VisitHandler) GetVisits(c *gin.Context) {
	var filter models.RangeFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	visits, err := h.visits.List(c.Request.Context(), liveScope(c), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, visits)
}

// GetTrips handles GET /api/v1/users/:username/trips
func (h *VisitHandler) GetTrips(c *gin.Context) {
	var filter models.RangeFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	trips, err := h.trips.List(c.Request.Context(), liveScope(c), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, trips)
}
