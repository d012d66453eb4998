package v1

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaennil/guide_helper/media/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/jaennil/guide_helper/media/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(handler *handler.Handler, l logger.Logger, telemetryEnabled bool, serviceName string) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())

	// Add OpenTelemetry middleware if enabled
	if telemetryEnabled {
		r.Use(telemetry.GinMiddleware(serviceName))
	}

	r.Use(ginZapLogger(l))

	api := r.Group("/api")
	v1 := api.Group("/v1")

	v1.GET("/healthz", handler.Healthz)

	// Token-authenticated; the token names the key.
	v1.PUT("/blobs/:token", handler.PutBlob)
	v1.GET("/blobs/:token", handler.GetBlob)

	tenant := v1.Group("", handler.RequireTenant)

	assets := tenant.Group("/assets")
	assets.POST("", handler.Upload)
	assets.GET("", handler.List)
	assets.POST("/presign", handler.Presign)
	assets.POST("/ingest", handler.Ingest)
	assets.POST("/delete", handler.DeleteMany)
	assets.GET("/:id", handler.Get)
	assets.DELETE("/:id", handler.Delete)
	assets.GET("/:id/download", handler.Download)
	assets.GET("/:id/thumbnail", handler.Thumbnail)

	tenant.GET("/tiles/:id/:z/:x/:y", handler.Tile)

	// Prometheus metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func ginZapLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithLogger(c.Request.Context(), l))

		if c.Request.URL.Path == "/api/v1/healthz" {
			c.Next()
			return
		}

		start := time.Now()

		c.Next()

		end := time.Now()
		latency := end.Sub(start)

		l.Info("request",
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"latency", latency,
			"size", c.Writer.Size(),
		)
	}
}
