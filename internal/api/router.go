package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jengzang/trail-pipeline/internal/config"
	"github.com/jengzang/trail-pipeline/internal/handler"
	"github.com/jengzang/trail-pipeline/internal/middleware"
)

// Handlers groups every HTTP handler the router mounts
type Handlers struct {
	Points     *handler.PointHandler
	Visits     *handler.VisitHandler
	Places     *handler.PlaceHandler
	Parameters *handler.ParameterHandler
	Previews   *handler.PreviewHandler
}

// SetupRouter builds the gin engine
func SetupRouter(h Handlers, limit config.RateLimitConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "trail pipeline is running",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	users := api.Group("/users/:username")
	{
		users.POST("/points", middleware.RateLimit(limit.RPS, limit.Burst), h.Points.Ingest)
		users.POST("/reprocess", h.Points.Reprocess)

		users.GET("/visits", h.Visits.GetVisits)
		users.GET("/trips", h.Visits.GetTrips)

		users.GET("/places", h.Places.GetPlaces)
		users.PATCH("/places/:id", h.Places.UpdatePlace)
		users.POST("/place-overrides", h.Places.CreateOverride)

		users.GET("/parameters", h.Parameters.GetParameters)
		users.POST("/parameters", h.Parameters.CreateParameters)
		users.PUT("/parameters/:id", h.Parameters.UpdateParameters)
		users.GET("/transport-modes", h.Parameters.GetTransportModes)
		users.PUT("/transport-modes", h.Parameters.ReplaceTransportModes)

		previews := users.Group("/previews")
		previews.POST("", h.Previews.CreatePreview)
		previews.GET("/:previewId/visits", h.Previews.GetPreviewVisits)
		previews.GET("/:previewId/trips", h.Previews.GetPreviewTrips)
		previews.DELETE("/:previewId", h.Previews.DeletePreview)
	}

	return r
}
