package debug

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/shared/id"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-ID"

// CORSConfig defines CORS configuration options.
type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       time.Duration
}

// DefaultCORSConfig allows read access from any dashboard origin.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"Content-Length",
			"Accept",
			"Origin",
			TraceHeader,
		},
		MaxAge: 12 * time.Hour,
	}
}

// CORS creates a CORS middleware with the provided configuration.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  cfg.AllowOrigins,
		AllowMethods:  cfg.AllowMethods,
		AllowHeaders:  cfg.AllowHeaders,
		ExposeHeaders: []string{TraceHeader},
		MaxAge:        cfg.MaxAge,
	})
}

// Trace tags each request with a trace id, taken from the request header
// when the caller supplied one, and logs it on completion.
func Trace(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		trace := c.GetHeader(TraceHeader)
		if trace == "" {
			trace = id.NewTraceID().String()
		}
		c.Header(TraceHeader, trace)

		start := time.Now()
		c.Next()

		logger.Debug("debug request",
			zap.String("trace_id", trace),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
