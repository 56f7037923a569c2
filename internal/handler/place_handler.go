package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/service"
	"github.com/jengzang/trail-pipeline/pkg/response"
)

// PlaceHandler handles significant places and their overrides
type PlaceHandler struct {
	service *service.PlaceService
}

// NewPlaceHandler creates a new place handler
func NewPlaceHandler(service *service.PlaceService) *PlaceHandler {
	return &PlaceHandler{service: service}
}

// GetPlaces handles GET /api/v1/users/:username/places
func (h *PlaceHandler) GetPlaces(c *gin.Context) {
	places, err := h.service.List(c.Request.Context(), liveScope(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, places)
}

// UpdatePlace handles PATCH /api/v1/users/:username/places/:id
func (h *PlaceHandler) UpdatePlace(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var update models.PlaceUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		response.BadRequest(c, "Invalid request body: version is required")
		return
	}

	place, err := h.service.Update(c.Request.Context(), liveScope(c), id, update)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, place)
}

// CreateOverride handles POST /api/v1/users/:username/place-overrides
func (h *PlaceHandler) CreateOverride(c *gin.Context) {
	var override models.PlaceOverride
	if err := c.ShouldBindJSON(&override); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	stored, err := h.service.CreateOverride(c.Request.Context(), c.Param("username"), override)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, stored)
}
