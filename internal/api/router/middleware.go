package router

import (
	"log/slog"
	"time"

	"github.com/cuongbtq/variant-pipeline/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationHeader carries the correlation id across services
const CorrelationHeader = "X-Correlation-ID"

// CorrelationMiddleware reads or assigns a correlation id and attaches a request-scoped logger
func CorrelationMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("correlation_id", id)
		c.Writer.Header().Set(CorrelationHeader, id)

		ctx := logger.WithContext(c.Request.Context(), base)
		ctx = logger.WithContextAttrs(ctx, slog.String("correlation_id", id))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log := logger.FromContext(c.Request.Context())
		if c.GetString("correlation_id") == "" {
			log = base
		}

		level := slog.LevelInfo
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		}

		log.LogAttrs(c.Request.Context(), level, "HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("route", c.FullPath()),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		)

		for _, e := range c.Errors {
			log.Error("Request error",
				slog.String("error", e.Error()),
				slog.Uint64("type", uint64(e.Type)),
			)
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, "+CorrelationHeader)
		c.Writer.Header().Set("Access-Control-Expose-Headers", CorrelationHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
