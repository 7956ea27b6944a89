package observability

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// probeRoutes are polled by orchestrators and scrapers; they log at debug.
var probeRoutes = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

// RequestLogger logs one line per HTTP request. Websocket upgrades log when the
// handler returns, which is when the client connection ends.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeOf(c)
		status := c.Writer.Status()

		var event *zerolog.Event
		switch _, probe := probeRoutes[route]; {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case probe:
			event = logger.Debug()
		default:
			event = logger.Info()
		}

		msg := "http_request"
		if isUpgrade(c) {
			msg = "client_socket_closed"
			event = event.Str("origin", c.GetHeader("Origin"))
		}
		event.
			Str("method", c.Request.Method).
			Str("path", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg(msg)
	}
}

// RequestMetricsMiddleware records request counts and latency. Upgraded
// sockets are recorded with zero duration.
func RequestMetricsMiddleware(relay string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		if isUpgrade(c) {
			elapsed = 0
		}
		RecordHTTPRequest(relay, c.Request.Method, routeOf(c), c.Writer.Status(), elapsed)
	}
}
