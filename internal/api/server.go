package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"papertrail/internal/logging"
)

// NewServer creates the HTTP trigger surface with all routes configured.
func NewServer(handler *Handler, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(requestLogger(logging.Component(logger, "api")))
	r.Use(gin.Recovery())

	setupRoutes(r, handler)
	return r
}

func setupRoutes(r *gin.Engine, handler *Handler) {
	r.GET("/health", handler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	runs := r.Group("/runs")
	{
		runs.POST("", handler.TriggerFull)
		runs.POST("/topic/:topic", handler.TriggerTopic)
		runs.GET("", handler.ListRuns)
		runs.GET("/:id", handler.GetRun)
		runs.GET("/:id/trending", handler.Trending)
	}
	r.GET("/papers/:id/similar", handler.Similar)
}

// requestLogger writes one structured line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(started),
			"client", c.ClientIP(),
		)
	}
}
