package httpapi

import (
	"time"

	"domainflow/internal/observability"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}
		switch {
		case status >= 500:
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Debug("http request", fields...)
		}
	}
}

// rateLimit waits for the limiter and records a metrics span per route.
func rateLimit(limiter RateLimiter, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		span := metrics.Start(c.Request.Method + " " + c.FullPath())
		if limiter != nil {
			if err := limiter.Wait(c.Request.Context()); err != nil {
				span.End(err)
				c.AbortWithStatusJSON(mapError(err), gin.H{"error": err.Error()})
				return
			}
		}
		c.Next()
		var err error
		if last := c.Errors.Last(); last != nil {
			err = last.Err
		} else if c.Writer.Status() >= 500 {
			err = errServerStatus
		}
		span.End(err)
	}
}
