package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/stationrelay/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newMiddlewareRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zerolog.New(buf).Level(zerolog.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(logger), RequestMetricsMiddleware("relay-test"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/sessions", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/client", func(c *gin.Context) { c.Status(http.StatusForbidden) })
	return r
}

func TestRequestLoggerQuietsProbeRoutes(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newMiddlewareRouter(&buf)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Empty(t, buf.String())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Contains(t, buf.String(), `"path":"/sessions"`)
	require.Contains(t, buf.String(), `"msg":"http_request"`)
}

func TestRequestLoggerTagsRejectedUpgrade(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newMiddlewareRouter(&buf)

	req := httptest.NewRequest(http.MethodGet, "/client", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Origin", "http://evil.example")
	r.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	require.Contains(t, out, `"level":"warn"`)
	require.Contains(t, out, `"origin":"http://evil.example"`)
	require.Contains(t, out, `"msg":"client_socket_closed"`)
}

func TestRequestMetricsCountsByRoute(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := newMiddlewareRouter(&buf)

	counter := httpRequests.WithLabelValues("relay-test", http.MethodGet, "/sessions", "200")
	before := testutil.ToFloat64(counter)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, before+2, testutil.ToFloat64(counter))
}
