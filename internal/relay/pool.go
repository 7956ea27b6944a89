package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/stationrelay/internal/observability"
	"github.com/danmuck/stationrelay/internal/protocol/session"
	"github.com/danmuck/stationrelay/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// Pool owns one Channel per active session id. The map lock covers
// insert/lookup/remove only, never a dial, so sessions do not contend.
type Pool struct {
	dialer Dialer
	cfg    session.Config

	mu      sync.Mutex
	entries map[string]*Channel
	dialing map[string]chan struct{}
}

func NewPool(dialer Dialer, cfg session.Config) *Pool {
	return &Pool{
		dialer:  dialer,
		cfg:     cfg.WithDefaults(),
		entries: make(map[string]*Channel),
		dialing: make(map[string]chan struct{}),
	}
}

// Open dials the session channel unless one is already open for sessionID.
func (p *Pool) Open(ctx context.Context, sessionID string) error {
	if err := wire.ValidateSessionID(sessionID); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	var wait chan struct{}
	for wait == nil {
		p.mu.Lock()
		if ch, ok := p.entries[sessionID]; ok && ch.Open() {
			p.mu.Unlock()
			log.Warn().Str("session_id", sessionID).Msg("session channel already open")
			return nil
		}
		if inflight, ok := p.dialing[sessionID]; ok {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-inflight:
			}
			continue
		}
		wait = make(chan struct{})
		p.dialing[sessionID] = wait
		p.mu.Unlock()
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	conn, err := p.dialer.Dial(dialCtx, sessionID)
	cancel()

	p.mu.Lock()
	delete(p.dialing, sessionID)
	close(wait)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: open session %s: %v", ErrTransport, sessionID, err)
	}
	ch := NewChannel(conn, ChannelOptions{
		Scope:        sessionID,
		CallTimeout:  p.cfg.CallTimeout,
		WriteTimeout: p.cfg.WriteTimeout,
	})
	p.entries[sessionID] = ch
	n := len(p.entries)
	p.mu.Unlock()

	observability.SetSessionChannels(n)
	log.Info().Str("session_id", sessionID).Msg("session channel open")
	go p.watch(sessionID, ch)
	return nil
}

// Get returns the open channel for sessionID.
func (p *Pool) Get(sessionID string) (*Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.entries[sessionID]
	if !ok || !ch.Open() {
		return nil, false
	}
	return ch, true
}

// Close closes the session channel; absent or already closed entries are a no-op.
func (p *Pool) Close(sessionID string) {
	p.mu.Lock()
	ch, ok := p.entries[sessionID]
	if ok {
		delete(p.entries, sessionID)
	}
	n := len(p.entries)
	p.mu.Unlock()

	if !ok || !ch.Open() {
		log.Warn().Str("session_id", sessionID).Msg("session channel not found or already closed")
		return
	}
	observability.SetSessionChannels(n)
	log.Info().Str("session_id", sessionID).Msg("closing session channel")
	_ = ch.Close()
}

// CloseAll closes every pooled channel.
func (p *Pool) CloseAll() {
	for _, id := range p.IDs() {
		p.Close(id)
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for id := range p.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// watch drops the entry when its channel closes so the next Open dials fresh.
func (p *Pool) watch(sessionID string, ch *Channel) {
	<-ch.Done()
	p.mu.Lock()
	removed := false
	if p.entries[sessionID] == ch {
		delete(p.entries, sessionID)
		removed = true
	}
	n := len(p.entries)
	p.mu.Unlock()
	if removed {
		observability.SetSessionChannels(n)
		log.Warn().
			Str("session_id", sessionID).
			AnErr("cause", ch.Err()).
			Msg("session channel closed by peer")
	}
}
