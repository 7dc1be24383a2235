
package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// New returns a new logger.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewFromEnv builds the zap logger used by the gin-based identitysvc:
// JSON production logging unless
// LOG_LEVEL=debug, in which case it switches to a human-readable
// development encoder.
func NewFromEnv() *zap.Logger {
	var cfg zap.Config
	if os.Getenv("LOG_LEVEL") == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than crash on logger setup.
		return zap.NewNop()
	}
	return log
}

// RequestLogger is a gin middleware logging one line per request at the
// level its status code warrants.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
