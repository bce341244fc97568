// Package middleware provides the HTTP middleware for the proxy's API
// server. Request tracing captures bodies on both sides of a request and
// writes them to the debug log when request logging is enabled.
package middleware

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/config"
)

// captureLimit bounds how much of each body lands in the log. Streams can be
// arbitrarily long; the first few kilobytes are what debugging needs.
const captureLimit = 8 << 10

// RequestLogging returns a middleware that traces requests at debug level.
// The enabled flag is read from the configuration per request, so toggling
// request-log takes effect without a restart. When disabled the middleware
// does nothing beyond one branch.
func RequestLogging(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.RequestLog {
			c.Next()
			return
		}

		start := time.Now()
		var reqBody []byte
		if c.Request.Body != nil {
			var err error
			if reqBody, err = io.ReadAll(c.Request.Body); err != nil {
				c.Next()
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		writer := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = writer

		c.Next()

		entry := log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   writer.Status(),
			"duration": time.Since(start).Truncate(time.Millisecond).String(),
			"request":  preview(reqBody),
			"response": preview(writer.body.Bytes()),
		})
		entry.Debug("request trace")
	}
}

// preview truncates a captured body for logging.
func preview(body []byte) string {
	if len(body) > captureLimit {
		return string(body[:captureLimit]) + "…(truncated)"
	}
	return string(body)
}

// captureWriter tees response bytes into a bounded buffer. The client write
// always comes first; capture never delays or fails a response.
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	if room := captureLimit - w.body.Len(); room > 0 {
		if len(data) > room {
			data = data[:room]
		}
		w.body.Write(data)
	}
	return n, err
}

func (w *captureWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}
