package httpmw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
)

// RequestLogger logs one line per finished request. Device and UI
// sockets are logged as sessions: their handler only returns when the
// socket dies, so the duration is the connection lifetime, not a
// request latency.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if q := c.Request.URL.RawQuery; q != "" {
			fields = append(fields, zap.String("query", q))
		}
		if size := c.Writer.Size(); size > 0 {
			fields = append(fields, zap.Int("bytes", size))
		}

		switch {
		case status == http.StatusSwitchingProtocols:
			log.Info("websocket session ended", fields...)
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			// Malformed device traffic and bad task specs land here;
			// keep them visible without debug logging.
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
