package relayd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/stationrelay/internal/config"
	"github.com/danmuck/stationrelay/internal/gateway"
	"github.com/danmuck/stationrelay/internal/relay"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Service wires the coordinator link, session pool, orchestrator and client
// gateway into one process lifecycle.
type Service struct {
	cfg config.RelayConfig

	link    *relay.Link
	pool    *relay.Pool
	audio   *relay.AudioRelay
	orch    *relay.Orchestrator
	gateway *gateway.Gateway
	server  *http.Server

	addrMu    sync.Mutex
	addr      net.Addr
	listening chan struct{}
}

func NewService(cfg config.RelayConfig) (*Service, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	sessionCfg := cfg.Session.WithDefaults()
	dialer, err := relay.NewWSDialer(cfg.CoordinatorURL, sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("relayd: coordinator dialer: %w", err)
	}

	link := relay.NewLink(dialer, sessionCfg)
	pool := relay.NewPool(dialer, sessionCfg)
	audio := relay.NewAudioRelay(pool, cfg.StreamQueueSize, cfg.StreamOverflow)
	orch := relay.NewOrchestrator(link, pool, audio)
	gw := gateway.New(gateway.Config{
		ID:           cfg.ID,
		CORSOrigins:  cfg.CORSOrigins,
		WriteTimeout: sessionCfg.WriteTimeout,
	}, orch, link, pool)

	return &Service{
		cfg:     cfg,
		link:    link,
		pool:    pool,
		audio:   audio,
		orch:    orch,
		gateway: gw,
		server: &http.Server{
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listening: make(chan struct{}),
	}, nil
}

// RunWithSignals runs until SIGINT or SIGTERM.
func (s *Service) RunWithSignals() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves clients and keeps the coordinator link up until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relayd: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.setAddr(ln.Addr())
	log.Info().
		Str("relay", s.cfg.ID).
		Str("addr", ln.Addr().String()).
		Str("coordinator", s.cfg.CoordinatorURL).
		Msg("relay listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.link.Run(gctx)
	})
	g.Go(func() error {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relayd: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	g.Go(func() error {
		return s.logSessions(gctx)
	})

	err = g.Wait()
	s.pool.CloseAll()
	log.Info().Str("relay", s.cfg.ID).Msg("relay stopped")
	return err
}

func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	closed := s.gateway.CloseClients()
	log.Info().Int("clients_closed", closed).Msg("relay shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("relayd: shutdown: %w", err)
	}
	return nil
}

// logSessions reports the active session count every SessionLogInterval.
func (s *Service) logSessions(ctx context.Context) error {
	if s.cfg.SessionLogInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.SessionLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			log.Info().
				Int("active_sessions", s.orch.ActiveSessions()).
				Int("session_channels", s.pool.Len()).
				Int("clients", s.orch.Connections()).
				Bool("coordinator_connected", s.link.Connected()).
				Uint64("coordinator_reconnects", s.link.Reconnects()).
				Msg("relay heartbeat")
		}
	}
}

// Listening is closed once Run has bound its listener.
func (s *Service) Listening() <-chan struct{} {
	return s.listening
}

// Addr is the bound listen address, nil before Run.
func (s *Service) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

func (s *Service) Link() *relay.Link {
	return s.link
}

func (s *Service) Orchestrator() *relay.Orchestrator {
	return s.orch
}

func (s *Service) setAddr(addr net.Addr) {
	s.addrMu.Lock()
	s.addr = addr
	s.addrMu.Unlock()
	close(s.listening)
}
