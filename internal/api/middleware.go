package api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"synthtune/internal/metrics"
)

// Log writes one structured record per request.
func Log() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		attrs := []any{
			slog.String("ip", c.ClientIP()),
			slog.String("method", c.Request.Method),
			slog.String("url", c.Request.URL.RequestURI()),
			slog.Int("status", c.Writer.Status()),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if runID := c.Writer.Header().Get(runIDHeader); runID != "" {
			attrs = append(attrs, slog.String("run_id", runID))
		}
		slog.InfoContext(c.Request.Context(), "http request", attrs...)
	}
}

// Recovery recovers from panics in handlers and writes a 500.
func Recovery(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				m.PanicRecovered()
				slog.ErrorContext(c.Request.Context(), "[Recovery from panic]",
					slog.String("method", c.Request.Method),
					slog.String("url", c.Request.URL.RequestURI()),
					slog.String("full_path", c.FullPath()),
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
