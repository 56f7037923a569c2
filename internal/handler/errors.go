package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/pkg/response"
)

// respondError maps domain errors onto HTTP statuses
func respondError(c *gin.Context, err error) {
	var conflict *models.VersionConflictError
	switch {
	case errors.As(err, &conflict):
		metrics.VersionConflicts.WithLabelValues(conflict.Entity).Inc()
		response.Conflict(c, err.Error())
	case errors.Is(err, models.ErrInvalidInput):
		response.BadRequest(c, err.Error())
	case errors.Is(err, models.ErrNotFound):
		response.NotFound(c, err.Error())
	default:
		logging.Error().Err(err).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Msg("Request failed")
		response.InternalError(c, "internal error")
	}
}

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

func liveScope(c *gin.Context) models.Scope {
	return models.Live(c.Param("username"))
}
