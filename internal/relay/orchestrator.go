package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/stationrelay/internal/observability"
	"github.com/danmuck/stationrelay/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// State is the session phase of one client connection.
type State int

const (
	StateNoSession State = iota
	StateCreating
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ControlCaller issues correlated calls on the control channel.
type ControlCaller interface {
	Call(ctx context.Context, messageType string, payload any, expectedType string) (wire.Message, error)
}

// SessionChannels opens, resolves and closes per-session channels.
type SessionChannels interface {
	Open(ctx context.Context, sessionID string) error
	Get(sessionID string) (*Channel, bool)
	Close(sessionID string)
}

// AudioSource hands out per-session audio streams.
type AudioSource interface {
	Stream(sessionID string) (*AudioStream, error)
}

// Created is the outcome of a successful create.
type Created struct {
	SessionID string
	// Payload is the coordinator's session_created payload.
	Payload json.RawMessage
}

// ConnectionInfo is a point-in-time view of one client connection.
type ConnectionInfo struct {
	ConnID    string
	State     State
	SessionID string
}

type clientConn struct {
	// mu serializes this connection's operations.
	mu        sync.Mutex
	id        string
	state     State
	sessionID string
}

// Orchestrator maps client connections to coordinator sessions.
type Orchestrator struct {
	control  ControlCaller
	channels SessionChannels
	audio    AudioSource

	mu     sync.RWMutex
	conns  map[string]*clientConn
	owners map[string]string
}

func NewOrchestrator(control ControlCaller, channels SessionChannels, audio AudioSource) *Orchestrator {
	return &Orchestrator{
		control:  control,
		channels: channels,
		audio:    audio,
		conns:    make(map[string]*clientConn),
		owners:   make(map[string]string),
	}
}

// Connect registers a client connection in NoSession.
func (o *Orchestrator) Connect(connID string) error {
	if strings.TrimSpace(connID) == "" {
		return fmt.Errorf("%w: empty connection id", ErrValidation)
	}
	o.mu.Lock()
	if _, ok := o.conns[connID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionExists, connID)
	}
	o.conns[connID] = &clientConn{id: connID, state: StateNoSession}
	n := len(o.conns)
	o.mu.Unlock()

	observability.SetClientConnections(n)
	log.Info().Str("conn_id", connID).Msg("client connected")
	return nil
}

// CreateSession replaces any active session of connID with a new one.
func (o *Orchestrator) CreateSession(ctx context.Context, connID string, params wire.SessionParams, traceID string) (Created, error) {
	if traceID == "" {
		traceID = connID
	}
	if err := validateCall(params, traceID); err != nil {
		return Created{}, err
	}
	cc, err := o.lookup(connID)
	if err != nil {
		return Created{}, err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.state == StateActive {
		o.closeLocked(cc)
	}

	cc.state = StateCreating
	reply, err := o.control.Call(ctx, wire.TypeNewSession, wire.NewSessionRequest{
		Station: params.Station,
		Knobs:   params.Knobs,
		TraceID: traceID,
	}, wire.TypeSessionCreated)
	if err != nil {
		cc.state = StateNoSession
		return Created{}, fmt.Errorf("%w: new_session: %w", ErrUpstream, err)
	}
	created, err := wire.DecodeSessionCreated(reply.Payload)
	if err != nil {
		cc.state = StateNoSession
		return Created{}, fmt.Errorf("%w: session_created: %w", ErrUpstream, err)
	}
	if created.Error != "" {
		cc.state = StateNoSession
		return Created{}, fmt.Errorf("%w: coordinator rejected session: %s", ErrUpstream, created.Error)
	}
	if err := wire.ValidateSessionID(created.SessionID); err != nil {
		cc.state = StateNoSession
		return Created{}, fmt.Errorf("%w: session_created: %w", ErrUpstream, err)
	}
	if !o.claim(created.SessionID, connID) {
		cc.state = StateNoSession
		return Created{}, fmt.Errorf("%w: session %s already owned by another connection", ErrUpstream, created.SessionID)
	}

	cc.sessionID = created.SessionID
	cc.state = StateActive
	if err := o.channels.Open(ctx, created.SessionID); err != nil {
		o.closeLocked(cc)
		return Created{}, fmt.Errorf("%w: open session channel: %w", ErrUpstream, err)
	}

	log.Info().
		Str("conn_id", connID).
		Str("session_id", created.SessionID).
		Int("station", params.Station).
		Msg("session created")
	return Created{SessionID: created.SessionID, Payload: reply.Payload}, nil
}

// UpdateSession forwards new station/knobs on the session channel. Without an
// active session it sends nothing and reports ok=false.
func (o *Orchestrator) UpdateSession(ctx context.Context, connID string, params wire.SessionParams, traceID string) (json.RawMessage, bool, error) {
	if traceID == "" {
		traceID = connID
	}
	if err := validateCall(params, traceID); err != nil {
		return nil, false, err
	}
	cc, err := o.lookup(connID)
	if err != nil {
		return nil, false, err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.state != StateActive {
		return nil, false, nil
	}
	ch, ok := o.channels.Get(cc.sessionID)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrSessionNotFound, cc.sessionID)
	}
	reply, err := ch.Call(ctx, wire.TypeUpdate, wire.UpdateRequest{
		Station:   params.Station,
		Knobs:     params.Knobs,
		TraceID:   traceID,
		SessionID: cc.sessionID,
	}, wire.TypeStatus)
	if err != nil {
		return nil, false, fmt.Errorf("%w: update: %w", ErrUpstream, err)
	}
	return reply.Payload, true, nil
}

// CloseSession tears down the active session of connID, if any.
func (o *Orchestrator) CloseSession(connID string) error {
	cc, err := o.lookup(connID)
	if err != nil {
		return err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	o.closeLocked(cc)
	return nil
}

// Disconnect closes the session of connID and forgets the connection.
func (o *Orchestrator) Disconnect(connID string) {
	cc, err := o.lookup(connID)
	if err != nil {
		log.Warn().Str("conn_id", connID).Msg("client info not found for disconnected client")
		return
	}
	cc.mu.Lock()
	sessionID := cc.sessionID
	o.closeLocked(cc)
	cc.mu.Unlock()

	o.mu.Lock()
	delete(o.conns, connID)
	n := len(o.conns)
	o.mu.Unlock()

	observability.SetClientConnections(n)
	log.Info().
		Str("conn_id", connID).
		Str("session_id", sessionID).
		Msg("client disconnected")
}

// StreamAudio claims the audio stream of connID's active session.
func (o *Orchestrator) StreamAudio(connID string) (*AudioStream, error) {
	cc, err := o.lookup(connID)
	if err != nil {
		return nil, err
	}
	cc.mu.Lock()
	state, sessionID := cc.state, cc.sessionID
	cc.mu.Unlock()
	if state != StateActive {
		return nil, fmt.Errorf("%w: no active session for %s", ErrSessionNotFound, connID)
	}
	return o.audio.Stream(sessionID)
}

func (o *Orchestrator) Snapshot(connID string) (ConnectionInfo, bool) {
	cc, err := o.lookup(connID)
	if err != nil {
		return ConnectionInfo{}, false
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return ConnectionInfo{ConnID: cc.id, State: cc.state, SessionID: cc.sessionID}, true
}

func (o *Orchestrator) Connections() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.conns)
}

func (o *Orchestrator) ActiveSessions() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.owners)
}

func (o *Orchestrator) lookup(connID string) (*clientConn, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cc, ok := o.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return cc, nil
}

func (o *Orchestrator) claim(sessionID, connID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, ok := o.owners[sessionID]; ok && owner != connID {
		return false
	}
	o.owners[sessionID] = connID
	return true
}

// closeLocked runs Active -> Closing -> NoSession; cc.mu must be held.
func (o *Orchestrator) closeLocked(cc *clientConn) {
	if cc.state != StateActive {
		return
	}
	cc.state = StateClosing
	sessionID := cc.sessionID
	o.channels.Close(sessionID)

	o.mu.Lock()
	if o.owners[sessionID] == cc.id {
		delete(o.owners, sessionID)
	}
	o.mu.Unlock()

	cc.sessionID = ""
	cc.state = StateNoSession
	log.Info().
		Str("conn_id", cc.id).
		Str("session_id", sessionID).
		Msg("session closed")
}

func validateCall(params wire.SessionParams, traceID string) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := wire.ValidateTraceID(traceID); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}
