package handlers

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cxr-api/internal/metric"
)

// HTTPLogger writes one access log line and request metrics per request.
func HTTPLogger(metrics *metric.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		statusCode := c.Writer.Status()

		tags := metric.HTTPTags(path, method, statusCode)
		metrics.Incr(metric.ApiRequestCount, tags)
		metrics.Timing(metric.ApiRequestLatency, latency, tags)
		log.Info().Msgf("[access] [%s] %s %s %d %v", c.ClientIP(), method, c.Request.URL.Path, statusCode, latency)
	}
}

// NewRouter wires every route of the inference service onto a fresh engine.
func NewRouter(h *Handler, env string) *gin.Engine {
	if env == "prod" || env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.MaxMultipartMemory = h.maxUpload

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	router.Use(cors.New(corsConfig), HTTPLogger(h.metrics), gin.Recovery())

	router.GET("/", h.Home)
	router.GET("/health", h.Health)
	router.POST("/predict", h.Predict)
	router.POST("/predict/image", h.Predict)
	router.POST("/predict/tensor", h.PredictTensor)
	return router
}
