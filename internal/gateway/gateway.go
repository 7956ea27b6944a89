package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/stationrelay/internal/observability"
	"github.com/danmuck/stationrelay/internal/protocol/wire"
	"github.com/danmuck/stationrelay/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	Version = "0.0.1"

	DefaultWriteTimeout = 10 * time.Second
)

// Sessions is the orchestrator surface the gateway drives.
type Sessions interface {
	Connect(connID string) error
	CreateSession(ctx context.Context, connID string, params wire.SessionParams, traceID string) (relay.Created, error)
	UpdateSession(ctx context.Context, connID string, params wire.SessionParams, traceID string) (json.RawMessage, bool, error)
	StreamAudio(connID string) (*relay.AudioStream, error)
	Disconnect(connID string)
	Connections() int
	ActiveSessions() int
}

// Readiness reports whether the coordinator control channel is up.
type Readiness interface {
	Connected() bool
}

// SessionLister lists session ids with an open coordinator channel.
type SessionLister interface {
	IDs() []string
}

type Config struct {
	ID           string
	CORSOrigins  []string
	WriteTimeout time.Duration
}

// Gateway serves front-end clients over /client and the operational routes.
type Gateway struct {
	cfg      Config
	sessions Sessions
	ready    Readiness
	channels SessionLister

	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time

	mu      sync.Mutex
	clients map[string]*client
}

func New(cfg Config, sessions Sessions, ready Readiness, channels SessionLister) *Gateway {
	if cfg.ID == "" {
		cfg.ID = "stationrelay"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	cfg.CORSOrigins = normalizeOrigins(cfg.CORSOrigins)

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	g := &Gateway{
		cfg:      cfg,
		sessions: sessions,
		ready:    ready,
		channels: channels,
		router:   r,
		started:  time.Now(),
		clients:  make(map[string]*client),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	g.registerRoutes()
	return g
}

func (g *Gateway) Handler() http.Handler {
	return g.router
}

// CloseClients closes every client socket; each worker then runs its disconnect path.
// http.Server.Shutdown does not track upgraded connections.
func (g *Gateway) CloseClients() int {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, cl := range g.clients {
		clients = append(clients, cl)
	}
	g.mu.Unlock()
	for _, cl := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
		_ = cl.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = cl.conn.Close()
	}
	return len(clients)
}

func (g *Gateway) track(cl *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[cl.id] = cl
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, id)
}

func (g *Gateway) registerRoutes() {
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(g.started).String(),
			"relay":   g.cfg.ID,
			"version": Version,
		})
	})

	g.router.GET("/ready", func(c *gin.Context) {
		ready := g.ready != nil && g.ready.Connected()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":       ready,
			"coordinator": ready,
			"relay":       g.cfg.ID,
			"version":     Version,
		})
	})

	g.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g.router.GET("/sessions", func(c *gin.Context) {
		ids := []string{}
		if g.channels != nil {
			ids = g.channels.IDs()
		}
		c.JSON(http.StatusOK, gin.H{
			"sessions": ids,
			"active":   g.sessions.ActiveSessions(),
			"clients":  g.sessions.Connections(),
		})
	})

	g.router.GET("/client", g.serveClient)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range g.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
