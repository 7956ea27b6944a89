package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/stationrelay/internal/observability"
	"github.com/danmuck/stationrelay/internal/protocol/session"
	"github.com/danmuck/stationrelay/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// Link owns the single control channel to the coordinator. Run keeps it open
// forever: every dial failure or close schedules a redial after the backoff delay.
type Link struct {
	dialer Dialer
	cfg    session.Config

	mu      sync.RWMutex
	current *Channel
	changed chan struct{}

	reconnects atomic.Uint64
}

func NewLink(dialer Dialer, cfg session.Config) *Link {
	return &Link{
		dialer:  dialer,
		cfg:     cfg.WithDefaults(),
		changed: make(chan struct{}),
	}
}

// Run blocks until ctx is done. It never gives up on the coordinator.
func (l *Link) Run(ctx context.Context) error {
	backoff := session.NewBackoff(l.cfg.Backoff)
	for {
		ch, err := l.connect(ctx)
		if err == nil {
			backoff.Reset()
			l.serve(ctx, ch)
		} else if ctx.Err() == nil {
			log.Warn().
				Int("attempt", backoff.Failures()+1).
				Err(err).
				Msg("coordinator control dial failed")
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.Next()
		log.Info().
			Int("attempt", backoff.Failures()).
			Dur("delay", delay).
			Msg("coordinator control reconnect scheduled")
		if err := sleepContext(ctx, delay); err != nil {
			return nil
		}
		l.reconnects.Add(1)
		observability.RecordControlReconnect()
	}
}

func (l *Link) connect(ctx context.Context) (*Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()
	conn, err := l.dialer.Dial(dialCtx, "")
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, ChannelOptions{
		Scope:        ScopeControl,
		CallTimeout:  l.cfg.CallTimeout,
		WriteTimeout: l.cfg.WriteTimeout,
	}), nil
}

// serve publishes ch and probes it until it closes or ctx ends.
func (l *Link) serve(ctx context.Context, ch *Channel) {
	l.setCurrent(ch)
	defer l.clearCurrent(ch)
	log.Info().Msg("coordinator control channel open")

	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			return
		case <-ch.Done():
			log.Warn().
				AnErr("cause", ch.Err()).
				Msg("coordinator control channel lost, reconnecting")
			return
		case <-ticker.C:
			l.probe(ctx, ch)
		}
	}
}

func (l *Link) probe(ctx context.Context, ch *Channel) {
	pingCtx, cancel := context.WithTimeout(ctx, l.cfg.PingInterval)
	defer cancel()
	if _, err := ch.Call(pingCtx, wire.TypePing, nil, wire.TypePong); err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.RecordPingFailure()
		log.Warn().Err(err).Msg("coordinator ping failed")
		return
	}
	log.Debug().Msg("coordinator pong")
}

// Current returns the open control channel, or nil while reconnecting.
func (l *Link) Current() *Channel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil || !l.current.Open() {
		return nil
	}
	return l.current
}

func (l *Link) Connected() bool {
	return l.Current() != nil
}

// Reconnects counts redial attempts since Run started.
func (l *Link) Reconnects() uint64 {
	return l.reconnects.Load()
}

// WaitConnected blocks until a control channel is open or ctx ends.
func (l *Link) WaitConnected(ctx context.Context) error {
	for {
		l.mu.RLock()
		ready := l.current != nil && l.current.Open()
		changed := l.changed
		l.mu.RUnlock()
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Call issues a correlated call on the control channel; it fails fast while reconnecting.
func (l *Link) Call(ctx context.Context, messageType string, payload any, expectedType string) (wire.Message, error) {
	ch := l.Current()
	if ch == nil {
		return wire.Message{}, fmt.Errorf("%w: control channel unavailable", ErrTransport)
	}
	return ch.Call(ctx, messageType, payload, expectedType)
}

// Ping performs one ping/pong round trip on the control channel.
func (l *Link) Ping(ctx context.Context) error {
	_, err := l.Call(ctx, wire.TypePing, nil, wire.TypePong)
	return err
}

func (l *Link) setCurrent(ch *Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = ch
	l.notifyLocked()
	observability.SetControlConnected(true)
}

func (l *Link) clearCurrent(ch *Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != ch {
		return
	}
	l.current = nil
	l.notifyLocked()
	observability.SetControlConnected(false)
}

func (l *Link) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
