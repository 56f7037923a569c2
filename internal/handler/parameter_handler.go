package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/service"
	"github.com/jengzang/trail-pipeline/pkg/response"
)

// ParameterHandler handles detection parameters and transport modes
type ParameterHandler struct {
	parameters *service.ParameterService
	modes      *service.TransportModeService
}

// NewParameterHandler creates a new parameter handler
func NewParameterHandler(parameters *service.ParameterService, modes *service.TransportModeService) *ParameterHandler {
	return &ParameterHandler{parameters: parameters, modes: modes}
}

// GetParameters handles GET /api/v1/users/:username/parameters
func (h *ParameterHandler) GetParameters(c *gin.Context) {
	params, err := h.parameters.List(c.Request.Context(), liveScope(c))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, params)
}

// CreateParameters handles POST /api/v1/users/:username/parameters
func (h *ParameterHandler) CreateParameters(c *gin.Context) {
	var p models.DetectionParameter
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	created, err := h.parameters.Create(c.Request.Context(), liveScope(c), p)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, created)
}

// UpdateParameters handles PUT /api/v1/users/:username/parameters/:id
func (h *ParameterHandler) UpdateParameters(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var p models.DetectionParameter
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	if p.Version <= 0 {
		response.BadRequest(c, "version is required")
		return
	}
	p.ID = id

	updated, err := h.parameters.Update(c.Request.Context(), liveScope(c), p)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, updated)
}

// GetTransportModes handles GET /api/v1/users/:username/transport-modes
func (h *ParameterHandler) GetTransportModes(c *gin.Context) {
	modes, err := h.modes.Get(c.Request.Context(), c.Param("username"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, modes)
}

// ReplaceTransportModes handles PUT /api/v1/users/:username/transport-modes
func (h *ParameterHandler) ReplaceTransportModes(c *gin.Context) {
	var modes []models.TransportModeThreshold
	if err := c.ShouldBindJSON(&modes); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	stored, err := h.modes.Replace(c.Request.Context(), c.Param("username"), modes)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, stored)
}
